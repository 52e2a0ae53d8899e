// Command controller-sim stands in for the motion controller during bring-up.
// It accepts the bridge's TCP connection and prints every 24-byte payload it
// receives, plus a once-per-second rate summary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/banshee-data/mocap.bridge/internal/wire"
)

var (
	listenAddr = flag.String("listen", ":1000", "TCP listen address")
	quiet      = flag.Bool("quiet", false, "Only print the per-second summary")
)

type counters struct {
	payloads atomic.Int64
	bytes    atomic.Int64
}

func main() {
	flag.Parse()

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("controller simulator listening on %s\n", ln.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var c counters
	go reportRates(ctx, &c, os.Stdout)

	out := io.Writer(os.Stdout)
	if *quiet {
		out = io.Discard
	}
	if err := serve(ctx, ln, out, &c); err != nil {
		log.Fatal(err)
	}
}

// serve accepts connections until ctx is done. Each connection is decoded
// on its own goroutine.
func serve(ctx context.Context, ln net.Listener, out io.Writer, c *counters) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	var outMu sync.Mutex
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			go func() {
				<-ctx.Done()
				conn.Close()
			}()
			if err := handleConn(conn, out, &outMu, c); err != nil {
				log.Printf("%s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// handleConn prints decoded payloads until the peer closes.
func handleConn(conn net.Conn, out io.Writer, mu *sync.Mutex, c *counters) error {
	peer := conn.RemoteAddr()
	mu.Lock()
	fmt.Fprintf(out, "%s connected\n", peer)
	mu.Unlock()

	dec := wire.NewDecoder(conn)
	for n := 1; ; n++ {
		p, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				mu.Lock()
				fmt.Fprintf(out, "%s disconnected after %d payloads\n", peer, n-1)
				mu.Unlock()
				return nil
			}
			return err
		}
		c.payloads.Add(1)
		c.bytes.Add(wire.PayloadSize)

		mu.Lock()
		fmt.Fprintf(out, "%6d %s\n", n, p)
		mu.Unlock()
	}
}

func reportRates(ctx context.Context, c *counters, out io.Writer) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payloads := c.payloads.Swap(0)
			bytes := c.bytes.Swap(0)
			if payloads > 0 {
				fmt.Fprintf(out, "Received: %d payloads/sec, %d B/sec\n", payloads, bytes)
			}
		}
	}
}
