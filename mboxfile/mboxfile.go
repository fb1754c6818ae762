// Package mboxfile iterates raw messages in an mbox archive. The sync
// pipeline reads live mail over IMAP; this package only feeds the
// offline inspect command.
package mboxfile

import (
	"errors"
	"fmt"
	"io"
	"os"

	mboxlib "github.com/emersion/go-mbox"
)

// Read opens an mbox file and calls the callback with the raw bytes of
// each message. A callback error stops the iteration.
func Read(path string, callback func(raw []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for idx := 0; ; idx++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("message %d read: %w", idx, err)
		}

		if err := callback(raw); err != nil {
			return err
		}
	}
}

// Count returns the total number of messages in an mbox file.
func Count(path string) (int, error) {
	count := 0
	err := Read(path, func([]byte) error {
		count++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
