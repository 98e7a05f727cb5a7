package scriptproc

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	"pkt.systems/termscript/schema"
)

// maxLineBytes caps one stdout command line or stderr line.
const maxLineBytes = 1024 * 1024

type commandBuffer struct {
	mu    sync.Mutex
	items []schema.Command
}

func (b *commandBuffer) push(cmd schema.Command) {
	b.mu.Lock()
	b.items = append(b.items, cmd)
	b.mu.Unlock()
}

func (b *commandBuffer) drain() []schema.Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

type lineBuffer struct {
	mu    sync.Mutex
	items []string
}

func (b *lineBuffer) push(line string) {
	b.mu.Lock()
	b.items = append(b.items, line)
	b.mu.Unlock()
}

func (b *lineBuffer) drain() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

func (p *Process) readStdout() {
	defer p.readers.Done()
	count, err := readCommandLines(p.stdout, p.commands.push, func(decodeErr *schema.DecodeError) {
		line := string(decodeErr.Line)
		preview := previewText(line, 200)
		p.log.Warn("script command decode failed", "script", p.name, "preview", preview, "truncated", len(preview) < len(line), "err", decodeErr.Err)
	}, func(size int) {
		p.log.Warn("script command line discarded", "script", p.name, "line_len", size, "max", maxLineBytes)
	})
	if err != nil && !isClosedPipe(err) {
		p.log.Warn("script stdout read failed", "script", p.name, "err", err)
	}
	p.log.Debug("script stdout completed", "script", p.name, "commands", count)
}

func (p *Process) readStderr() {
	defer p.readers.Done()
	count, err := readTextLines(p.stderr, func(text string) {
		preview := previewText(text, 200)
		p.log.Trace("script stderr", "script", p.name, "text_len", len(text), "preview", preview, "truncated", len(preview) < len(text))
		p.errors.push(text)
	})
	if err != nil && !isClosedPipe(err) {
		p.log.Warn("script stderr read failed", "script", p.name, "err", err)
	}
	if count > 0 {
		p.log.Debug("script stderr completed", "script", p.name, "lines", count)
	}
}

// readCommandLines decodes one command per line until EOF. Malformed lines
// are reported through onDecodeError and skipped. Lines longer than
// maxLineBytes are discarded and reported through onOversized.
func readCommandLines(r io.Reader, emit func(schema.Command), onDecodeError func(*schema.DecodeError), onOversized func(int)) (int, error) {
	reader := bufio.NewReaderSize(r, 64*1024)
	count := 0
	for {
		line, size, err := readLimitedLine(reader, maxLineBytes)
		if size > maxLineBytes {
			if onOversized != nil {
				onOversized(size)
			}
			line = nil
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			cmd, decodeErr := schema.DecodeCommand(line)
			if decodeErr != nil {
				var typed *schema.DecodeError
				if errors.As(decodeErr, &typed) && onDecodeError != nil {
					onDecodeError(typed)
				}
			} else {
				count++
				emit(cmd)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, err
		}
	}
}

// readLimitedLine reads up to and including the next newline. Once a line
// grows past limit its bytes are dropped but still consumed; the returned size
// is the full length.
func readLimitedLine(reader *bufio.Reader, limit int) ([]byte, int, error) {
	var line []byte
	size := 0
	for {
		chunk, err := reader.ReadSlice('\n')
		size += len(chunk)
		if size <= limit {
			line = append(line, chunk...)
		} else {
			line = nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, size, err
	}
}

// readTextLines emits non-empty lines until EOF. An over-long line ends
// scanning; the remainder is drained so the writer never blocks.
func readTextLines(r io.Reader, emit func(string)) (int, error) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLineBytes)
	count := 0
	for scanner.Scan() {
		text := strings.TrimRight(scanner.Text(), "\r")
		if text == "" {
			continue
		}
		count++
		emit(text)
	}
	if err := scanner.Err(); err != nil {
		_, _ = io.Copy(io.Discard, r)
		return count, err
	}
	return count, nil
}

func isClosedPipe(err error) bool {
	return errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

func previewText(value string, max int) string {
	if max <= 0 || len(value) <= max {
		return value
	}
	return value[:max]
}
