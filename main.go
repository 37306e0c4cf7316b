// Command h3engine runs the connection engine over an in-memory transport:
// it loads a configuration, builds the routing table, issues one request
// against the engine, and prints the response. Useful for smoke-testing a
// configuration and its handlers without a network.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"example.com/h3engine/internal/config"
	"example.com/h3engine/internal/handlers/staticfileserver"
	"example.com/h3engine/internal/http3"
	"example.com/h3engine/internal/logger"
	"example.com/h3engine/internal/qpack"
	"example.com/h3engine/internal/router"
	"example.com/h3engine/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML configuration file (default configuration if empty)")
	requestPath := flag.String("path", "/", "request path to issue against the engine")
	docRoot := flag.String("docroot", "", "serve this directory at / (overrides configured routes)")
	flag.Parse()

	os.Exit(run(*configPath, *requestPath, *docRoot, os.Stdout, os.Stderr))
}

func run(configPath, requestPath, docRoot string, stdout, stderr io.Writer) int {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			fmt.Fprintf(stderr, "h3engine: %v\n", err)
			return 1
		}
	} else {
		cfg = config.DefaultConfig()
	}

	if docRoot != "" {
		cfg.Routes = []config.Route{{
			PathPattern: "/",
			MatchType:   config.MatchTypePrefix,
			HandlerType: staticfileserver.HandlerType,
			HandlerConfig: map[string]interface{}{
				"document_root":           docRoot,
				"serve_directory_listing": true,
			},
		}}
	}

	lg := logger.NewLogger(stderr, cfg.Logging)

	registry := server.NewHandlerRegistry()
	if err := registry.Register(staticfileserver.HandlerType, staticfileserver.New); err != nil {
		fmt.Fprintf(stderr, "h3engine: %v\n", err)
		return 1
	}
	if err := registry.Register("EngineStatus", newEngineStatusHandler); err != nil {
		fmt.Fprintf(stderr, "h3engine: %v\n", err)
		return 1
	}

	if len(cfg.Routes) == 0 {
		cfg.Routes = []config.Route{{
			PathPattern: "/",
			MatchType:   config.MatchTypePrefix,
			HandlerType: "EngineStatus",
		}}
	}

	rt, err := router.NewRouter(cfg.Routes, registry, lg)
	if err != nil {
		fmt.Fprintf(stderr, "h3engine: %v\n", err)
		return 1
	}

	client, srv := http3.NewMemTransportPair(http3.MemTransportOptions{})
	conn := http3.NewConn(srv, rt, http3.OptionsFromConfig(cfg), nil, lg)

	serveErr := make(chan error, 1)
	go func() { serveErr <- conn.Serve(context.Background()) }()

	status, body, err := issueRequest(client, requestPath)
	if err != nil {
		fmt.Fprintf(stderr, "h3engine: request failed: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "HTTP/3 %s\n", status)
	stdout.Write(body)

	conn.GoAway()
	<-serveErr
	return 0
}

// issueRequest drives the client half of the transport: one GET on a fresh
// request stream, response frames read to end of stream.
func issueRequest(client http3.Transport, path string) (status string, body []byte, err error) {
	ts, err := client.OpenStream(http3.StreamBidirectional)
	if err != nil {
		return "", nil, err
	}

	section := qpack.NewEncoder().AppendFieldSection(nil, []qpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":path", Value: path},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "localhost"},
	})
	buf := http3.AppendFrameHeader(nil, http3.FrameHeaders, uint64(len(section)))
	buf = append(buf, section...)
	if _, err := ts.Write(buf); err != nil {
		return "", nil, err
	}
	if err := ts.Close(); err != nil {
		return "", nil, err
	}

	var raw []byte
	rd := make([]byte, 16<<10)
	for {
		n, rerr := ts.Read(rd)
		raw = append(raw, rd[:n]...)
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", nil, rerr
		}
	}

	dec := qpack.NewDecoder(0)
	for len(raw) > 0 {
		fh, start, end, ferr := http3.TryReadFrame(raw, http3.DefaultMaxFrameSize)
		if ferr != nil {
			return "", nil, fmt.Errorf("malformed response frame: %w", ferr)
		}
		payload := raw[start:end]
		switch fh.Type {
		case http3.FrameHeaders:
			derr := dec.Decode(payload, func(hf qpack.HeaderField) error {
				if hf.Name == ":status" {
					status = hf.Value
				}
				return nil
			})
			if derr != nil {
				return "", nil, derr
			}
		case http3.FrameData:
			body = append(body, payload...)
		}
		raw = raw[end:]
	}
	if status == "" {
		return "", nil, fmt.Errorf("response carried no :status header")
	}
	return status, body, nil
}

// newEngineStatusHandler answers every request with a small text banner. It
// is the fallback route when no configuration is supplied.
func newEngineStatusHandler(map[string]interface{}, *logger.Logger) (server.Handler, error) {
	return server.HandlerFunc(func(rw server.ResponseWriterStream, req *server.Request) {
		body := []byte(fmt.Sprintf("h3engine ready\nmethod: %s\npath: %s\n", req.Method, req.Path))
		rw.SendHeaders([]server.HeaderField{
			{Name: ":status", Value: "200"},
			{Name: "content-type", Value: "text/plain; charset=utf-8"},
			{Name: "content-length", Value: fmt.Sprintf("%d", len(body))},
		}, false)
		rw.WriteData(body, true)
	}), nil
}
