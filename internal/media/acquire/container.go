// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package acquire

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
)

// supportedFormats are the ffprobe demuxer names accepted as sources.
var supportedFormats = []string{
	"mov", "mp4", "m4a", "3gp", "matroska", "webm", "avi", "mpegts", "ogg", "mp3", "wav",
}

// sniffedTypes maps content sniffing results to workspace extensions.
var sniffedTypes = map[string]string{
	"video/mp4":       ".mp4",
	"video/webm":      ".mkv",
	"video/avi":       ".avi",
	"audio/mpeg":      ".mp3",
	"audio/wave":      ".wav",
	"application/ogg": ".ogg",
}

func sniff(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return head[:n], nil
}

// isISOBMFF reports an ftyp box at the start, which covers QuickTime and
// every mp4 brand.
func isISOBMFF(head []byte) bool {
	return len(head) >= 12 && bytes.Equal(head[4:8], []byte("ftyp"))
}

// CheckContainer rejects uploads that are not a common video or audio
// container, before any decoder sees them.
func CheckContainer(path string) error {
	head, err := sniff(path)
	if err != nil {
		return err
	}
	if isISOBMFF(head) {
		return nil
	}
	ct := http.DetectContentType(head)
	if _, ok := sniffedTypes[ct]; ok {
		return nil
	}
	return fmt.Errorf("unsupported container type %q", ct)
}

// UploadExtension picks a workspace extension from the sniffed type.
func UploadExtension(path string) string {
	head, err := sniff(path)
	if err != nil {
		return ".bin"
	}
	if isISOBMFF(head) {
		return ".mp4"
	}
	if ext, ok := sniffedTypes[http.DetectContentType(head)]; ok {
		return ext
	}
	return ".bin"
}
