package journal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"

	"github.com/atriumworld/atrium/pkg/palette"
	"github.com/atriumworld/atrium/pkg/protocol"
	"github.com/atriumworld/atrium/pkg/utils"
	"github.com/atriumworld/atrium/svc/server/service"
)

// Entry is one room event stamped with its offset from the start of the
// journal.
type Entry struct {
	Millis   int64          `cbor:"millis"`
	Kind     string         `cbor:"kind"`
	Session  string         `cbor:"session"`
	Position *protocol.Vec3 `cbor:"position,omitempty"`
	Rotation *protocol.Vec3 `cbor:"rotation,omitempty"`
	Color    *palette.Color `cbor:"color,omitempty"`
}

func makeEntry(start time.Time, event service.Event) Entry {
	return Entry{
		Millis:   event.At.Sub(start).Round(time.Millisecond).Milliseconds(),
		Kind:     event.Kind,
		Session:  event.Session,
		Position: event.Position,
		Rotation: event.Rotation,
		Color:    event.Color,
	}
}

func compress(data []byte) ([]byte, error) {
	var buffer bytes.Buffer
	gz := gzip.NewWriter(&buffer)
	_, err := gz.Write(data)
	if err != nil {
		return nil, err
	}
	gz.Close()

	return buffer.Bytes(), nil
}

func writeFile(path string, data []byte) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = out.Write(data)
	if err != nil {
		return err
	}

	return nil
}

// Record consumes room events until ctx ends, then writes everything it
// saw to a compressed journal in directory. An empty directory disables
// saving but keeps the subscription drained.
func Record(ctx context.Context, directory string, events *utils.Subscriber[service.Event]) error {
	defer events.Done()

	start := time.Now()
	path := filepath.Join(
		directory,
		fmt.Sprintf("%s.journal.gz", start.Format("2006.01.02.03.04.05")),
	)

	shouldSave := len(directory) > 0
	if shouldSave {
		log.Info().Str("path", path).Msg("journaling room events")
	}

	entries := make([]Entry, 0)

Outer:
	for {
		select {
		case <-ctx.Done():
			break Outer
		case event := <-events.Recv():
			entries = append(entries, makeEntry(start, event))
		}
	}

	// Events published right before shutdown may still sit in the
	// subscriber's buffer.
	for {
		select {
		case event := <-events.Recv():
			entries = append(entries, makeEntry(start, event))
			continue
		default:
		}
		break
	}

	if !shouldSave || len(entries) == 0 {
		return nil
	}

	var buffer bytes.Buffer
	encoder := cbor.NewEncoder(&buffer)
	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			return err
		}
	}

	compressed, err := compress(buffer.Bytes())
	if err != nil {
		return err
	}

	if err := writeFile(path, compressed); err != nil {
		return err
	}

	log.Info().Str("path", path).Int("events", len(entries)).Msg("saved room journal")
	return nil
}

// Read loads every entry from a journal written by Record.
func Read(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	entries := make([]Entry, 0)
	decoder := cbor.NewDecoder(gz)
	for {
		var entry Entry
		err := decoder.Decode(&entry)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, nil
}
