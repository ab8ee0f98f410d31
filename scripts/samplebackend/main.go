// Samplebackend is a minimal backend for trying the proxy locally. It listens
// on $PORT (8080 if unset) and serves /health, /echo, /download and a
// streaming /events endpoint. Every response carries X-Instance-Id, which
// changes whenever the proxy replaces the process.
//
// Usage:
//
//	go build -o backend/dist/main ./scripts/samplebackend
//	go run ./cmd
package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxDownload = 1 << 30

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	instance := uuid.NewString()
	started := time.Now()

	mux := http.NewServeMux()

	// request body copied back as it arrives
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		n, err := io.Copy(w, r.Body)
		log.Printf("echo: pid=%d bytes=%d err=%v", os.Getpid(), n, err)
	})

	// ?size= bytes of a repeating pattern, default 1 MiB
	mux.HandleFunc("/download", func(w http.ResponseWriter, r *http.Request) {
		size, err := strconv.ParseInt(r.URL.Query().Get("size"), 10, 64)
		if err != nil || size <= 0 {
			size = 1 << 20
		}
		if size > maxDownload {
			http.Error(w, "size too large", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		pattern := strings.NewReader(strings.Repeat("0123456789abcdef", 4096))
		for size > 0 {
			pattern.Seek(0, io.SeekStart)
			n, err := io.CopyN(w, pattern, min(size, pattern.Size()))
			if err != nil {
				return
			}
			size -= n
		}
	})

	// one line per tick, flushed immediately; ?n= sets the count
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.Atoi(r.URL.Query().Get("n"))
		if err != nil || n <= 0 {
			n = 5
		}

		w.Header().Set("Content-Type", "text/event-stream")
		rc := http.NewResponseController(w)
		for i := range n {
			fmt.Fprintf(w, "data: tick %d\n\n", i)
			if err := rc.Flush(); err != nil {
				return
			}
			select {
			case <-r.Context().Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
		}
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "instance %s pid %d up %s\n", instance, os.Getpid(), time.Since(started).Round(time.Second))
	})

	addr := "127.0.0.1:" + port
	log.Printf("starting backend on %s (instance %s)", addr, instance)

	srv := &http.Server{
		Addr: addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Instance-Id", instance)
			mux.ServeHTTP(w, r)
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
