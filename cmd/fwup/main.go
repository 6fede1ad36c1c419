// Command fwup is the host-side uploader of spec.md §4.8/§6: it opens a
// USB-serial TTY, drives pkg/hostlink through the handshake and chunked
// transfer, and optionally mirrors progress to Redis. Flag layout and
// startup logging follow cmd/bluetooth-service/main.go's style.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/armboot/fwlink/pkg/hostlink"
	"github.com/armboot/fwlink/pkg/telemetry"
)

var (
	device       = flag.String("device", "", "Serial device path (auto-discovered if empty)")
	baud         = flag.Int("baud", 115200, "Initial serial baud rate")
	loadAddress  = flag.String("load-address", "", "Load address override (decimal or 0x-prefixed hex)")
	objectType   = flag.String("override-object-type", "", "Force image interpretation: \"elf\" or \"bin\" (auto-detected if empty)")
	quiet        = flag.Bool("quiet", false, "Suppress progress logging")
	redisAddr    = flag.String("redis-addr", "", "Optional Redis server address for progress telemetry")
	redisPass    = flag.String("redis-pass", "", "Redis password")
	redisDB      = flag.Int("redis-db", 0, "Redis database number")
	echoAfterRun = flag.Bool("echo", true, "Enter passive log-echo mode after Booting")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: fwup [flags] <image>")
		flag.PrintDefaults()
		os.Exit(1)
	}
	imagePath := flag.Arg(0)

	objType, err := hostlink.ParseObjectType(*objectType)
	if err != nil {
		log.Fatalf("fwup: %v", err)
	}

	img, err := hostlink.LoadImage(imagePath, objType, *loadAddress)
	if err != nil {
		log.Fatalf("fwup: %v", err)
	}
	if len(img.Bytes) == 0 {
		// spec.md §9 Open Questions: zero-length images are rejected at
		// the host rather than attempting an upload the device would
		// never meaningfully verify.
		log.Fatalf("fwup: refusing to upload a zero-length image")
	}
	log.Printf("Loaded %s: %d bytes, load address %#x, crc32 %#08x", imagePath, len(img.Bytes), img.LoadAddress, img.Crc)

	portPath := *device
	if portPath == "" {
		portPath, err = hostlink.DiscoverPort()
		if err != nil {
			log.Fatalf("fwup: %v", err)
		}
		log.Printf("Auto-discovered serial device: %s", portPath)
	}

	port, err := hostlink.OpenSerial(portPath, *baud)
	if err != nil {
		log.Fatalf("fwup: %v", err)
	}
	defer port.Close()
	log.Printf("Opened %s at %d baud", portPath, *baud)

	var sink *telemetry.Sink
	if *redisAddr != "" {
		sink, err = telemetry.New(*redisAddr, *redisPass, *redisDB)
		if err != nil {
			log.Fatalf("fwup: %v", err)
		}
		defer sink.Close()
		log.Printf("Publishing progress telemetry to %s", *redisAddr)
	}

	logf := log.Printf
	if *quiet {
		logf = func(string, ...interface{}) {}
	}

	sink.State("uploading")
	cfg := hostlink.Config{
		Image:     img,
		Logf:      logf,
		PrintSink: sink.Log,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- hostlink.Upload(port, cfg) }()

	select {
	case <-sigCh:
		log.Printf("fwup: interrupted")
		sink.State("failed:interrupted")
		os.Exit(1)
	case err := <-done:
		if err != nil {
			log.Printf("fwup: upload failed: %v", err)
			sink.State("failed:" + err.Error())
			os.Exit(1)
		}
	}

	sink.State("booting")
	log.Printf("fwup: device is booting")

	if *echoAfterRun {
		log.Printf("fwup: entering passive log-echo mode (Ctrl-C to exit)")
		stop := make(chan struct{})
		go func() {
			<-sigCh
			close(stop)
		}()
		time.Sleep(50 * time.Millisecond) // let the device's baud settle before echo resumes polling
		if err := hostlink.Echo(port, os.Stdin, os.Stdout, stop); err != nil {
			log.Printf("fwup: echo mode ended: %v", err)
		}
	}

	sink.State("done")
}
