package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/obsidianstack/lumberjack/pkg/types"
)

// sink is the part of the shipper the input side needs.
type sink interface {
	Receive(types.Event) error
}

// shipInputs reads every file in order, or stdin when files is empty or "-",
// and hands each non-empty line to dst. It returns the number of events shipped.
func shipInputs(ctx context.Context, dst sink, files []string, stdin io.Reader, host string) (int, error) {
	if len(files) == 0 {
		files = []string{"-"}
	}

	total := 0
	for _, path := range files {
		var (
			n   int
			err error
		)
		if path == "-" {
			n, err = shipLines(ctx, dst, stdin, "-", host)
		} else {
			n, err = shipFile(ctx, dst, path, host)
		}
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func shipFile(ctx context.Context, dst sink, path, host string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()
	return shipLines(ctx, dst, f, path, host)
}

// shipLines turns each line of r into an event carrying the line, the host,
// the source name and the byte offset where the line starts.
func shipLines(ctx context.Context, dst sink, r io.Reader, source, host string) (int, error) {
	br := bufio.NewReaderSize(r, 64<<10)
	var offset int64
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, nil
		}

		line, readErr := br.ReadString('\n')
		start := offset
		offset += int64(len(line))

		text := strings.TrimRight(line, "\r\n")
		if text != "" {
			ev := types.New(text,
				types.F("host", types.String(host)),
				types.F("file", types.String(source)),
				types.F("offset", types.Int(start)),
			)
			if err := dst.Receive(ev); err != nil {
				return n, fmt.Errorf("%s:%d: %w", source, start, err)
			}
			n++
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return n, nil
			}
			return n, fmt.Errorf("read %s: %w", source, readErr)
		}
	}
}
