package hostlink

import (
	"bufio"
	"io"
	"time"

	"github.com/armboot/fwlink/pkg/frame"
	"github.com/armboot/fwlink/pkg/proto"
)

// Echo implements spec.md §4.8's post-Booting "passive log-echo mode": it
// decodes any further PrintString frames from the device and writes their
// text to out, while a background goroutine forwards whatever arrives on
// in straight to the transport, unframed — the same split
// reader-goroutine-plus-blocking-poll-loop structure as
// original_source/host/theseus-upload/src/echo.rs, adapted from raw
// byte-for-byte echoing to this protocol's framed log lines. It runs until
// t.Read returns a non-timeout error (e.g. the port closing) or stop fires.
func Echo(t Transport, in io.Reader, out io.Writer, stop <-chan struct{}) error {
	stdinLines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			stdinLines <- scanner.Text() + "\n"
		}
		close(stdinLines)
	}()

	rxLayer := frame.NewLayer()
	if err := t.SetReadTimeout(100 * time.Millisecond); err != nil {
		return err
	}

	var curType uint32
	var curPayload []byte

	for {
		select {
		case <-stop:
			return nil
		case line, ok := <-stdinLines:
			if ok {
				if _, err := t.Write([]byte(line)); err != nil {
					return err
				}
			}
		default:
		}

		var buf [1]byte
		n, err := t.Read(buf[:])
		if err == ErrByteTimeout {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		outp, ferr := rxLayer.Poll(buf[0])
		if ferr != nil {
			continue
		}
		switch outp.Kind {
		case frame.Header:
			curType = outp.Type
			curPayload = curPayload[:0]
		case frame.Payload:
			curPayload = append(curPayload, outp.Byte)
		case frame.Finished:
			// Echo mode only cares about diagnostics; any other tag
			// arriving after Booting (there shouldn't be one) is
			// silently dropped.
			if proto.Tag(curType) != proto.TagPrintString {
				continue
			}
			payload, derr := proto.Decode(proto.TagPrintString, curPayload)
			if derr != nil {
				continue
			}
			io.WriteString(out, payload.(proto.PrintString).Text+"\n")
		}
	}
}
