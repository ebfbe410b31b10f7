package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// WAV format codes for G.711 codecs.
const (
	wavFormatPCMU = 7 // G.711 u-law
	wavFormatPCMA = 6 // G.711 a-law

	// wavHeaderSize is the size of the canonical WAV header we write.
	wavHeaderSize = 44
)

// wavHeader holds the parsed fields from a WAV file header that we need
// to validate prompt audio.
type wavHeader struct {
	AudioFormat   uint16 // 6 = A-law, 7 = u-law
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataSize      uint32 // size of the "data" chunk in bytes
}

// parseWAVHeader reads and validates a WAV file header, returning the
// format information and positioning the reader at the start of audio data.
func parseWAVHeader(r io.ReadSeeker) (*wavHeader, error) {
	var riffHeader [12]byte
	if _, err := io.ReadFull(r, riffHeader[:]); err != nil {
		return nil, fmt.Errorf("reading riff header: %w", err)
	}
	if string(riffHeader[0:4]) != "RIFF" {
		return nil, errors.New("not a RIFF file")
	}
	if string(riffHeader[8:12]) != "WAVE" {
		return nil, errors.New("not a WAVE file")
	}

	hdr := &wavHeader{}
	foundFmt := false
	foundData := false

	for !foundData {
		var chunkID [4]byte
		var chunkSize uint32

		if _, err := io.ReadFull(r, chunkID[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("reading chunk id: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &chunkSize); err != nil {
			return nil, fmt.Errorf("reading chunk size: %w", err)
		}

		switch string(chunkID[:]) {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("fmt chunk too small: %d bytes", chunkSize)
			}
			fields := []any{&hdr.AudioFormat, &hdr.NumChannels, &hdr.SampleRate, &hdr.ByteRate, &hdr.BlockAlign, &hdr.BitsPerSample}
			for _, f := range fields {
				if err := binary.Read(r, binary.LittleEndian, f); err != nil {
					return nil, fmt.Errorf("reading fmt chunk: %w", err)
				}
			}
			if chunkSize > 16 {
				if _, err := r.Seek(int64(chunkSize-16), io.SeekCurrent); err != nil {
					return nil, fmt.Errorf("skipping extra fmt data: %w", err)
				}
			}
			foundFmt = true

		case "data":
			hdr.DataSize = chunkSize
			foundData = true

		default:
			// Chunks are padded to an even boundary.
			skip := int64(chunkSize)
			if chunkSize%2 != 0 {
				skip++
			}
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skipping chunk %q: %w", string(chunkID[:]), err)
			}
		}
	}

	if !foundFmt {
		return nil, errors.New("wav file missing fmt chunk")
	}
	if !foundData {
		return nil, errors.New("wav file missing data chunk")
	}

	return hdr, nil
}

// validate checks the header describes 8 kHz mono 8-bit G.711 audio.
func (h *wavHeader) validate() error {
	if h.AudioFormat != wavFormatPCMU && h.AudioFormat != wavFormatPCMA {
		return fmt.Errorf("unsupported wav format %d: only G.711 a-law (6) and u-law (7) are supported", h.AudioFormat)
	}
	if h.NumChannels != 1 {
		return fmt.Errorf("wav file must be mono, got %d channels", h.NumChannels)
	}
	if h.SampleRate != SampleRate {
		return fmt.Errorf("wav file must be 8000 Hz, got %d Hz", h.SampleRate)
	}
	if h.BitsPerSample != 8 {
		return fmt.Errorf("wav file must be 8-bit, got %d-bit", h.BitsPerSample)
	}
	return nil
}

// Prompt is a prebuilt audio clip ready for playback to the carrier.
type Prompt struct {
	// Audio is μ-law encoded at 8 kHz regardless of the source encoding.
	Audio    []byte
	Duration time.Duration
}

// LoadPrompt reads a G.711 WAV file from disk.
func LoadPrompt(path string) (*Prompt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading prompt: %w", err)
	}
	p, err := DecodePrompt(data)
	if err != nil {
		return nil, fmt.Errorf("prompt %s: %w", path, err)
	}
	return p, nil
}

// DecodePrompt parses in-memory WAV data. A-law audio is transcoded to μ-law
// since the carrier stream only carries μ-law.
func DecodePrompt(data []byte) (*Prompt, error) {
	r := bytes.NewReader(data)
	hdr, err := parseWAVHeader(r)
	if err != nil {
		return nil, fmt.Errorf("invalid wav: %w", err)
	}
	if err := hdr.validate(); err != nil {
		return nil, err
	}

	size := int(hdr.DataSize)
	if size > r.Len() {
		size = r.Len()
	}
	audio := make([]byte, size)
	if _, err := io.ReadFull(r, audio); err != nil {
		return nil, fmt.Errorf("reading audio data: %w", err)
	}
	if hdr.AudioFormat == wavFormatPCMA {
		AlawToUlaw(audio)
	}

	return &Prompt{
		Audio:    audio,
		Duration: time.Duration(len(audio)) * time.Second / SampleRate,
	}, nil
}

// writeWAVHeader writes a 44-byte WAV header for mono 8 kHz G.711 u-law audio.
func writeWAVHeader(w io.Writer, dataSize uint32) error {
	var hdr [wavHeaderSize]byte

	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], wavHeaderSize-8+dataSize)
	copy(hdr[8:12], "WAVE")

	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)            // sub-chunk size
	binary.LittleEndian.PutUint16(hdr[20:22], wavFormatPCMU) // G.711 u-law
	binary.LittleEndian.PutUint16(hdr[22:24], 1)             // mono
	binary.LittleEndian.PutUint32(hdr[24:28], SampleRate)    // sample rate
	binary.LittleEndian.PutUint32(hdr[28:32], SampleRate)    // byte rate
	binary.LittleEndian.PutUint16(hdr[32:34], 1)             // block align
	binary.LittleEndian.PutUint16(hdr[34:36], 8)             // bits per sample

	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], dataSize)

	_, err := w.Write(hdr[:])
	return err
}

// EncodeWAV wraps raw μ-law audio in a WAV container.
func EncodeWAV(audio []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + len(audio))
	writeWAVHeader(&buf, uint32(len(audio))) //nolint:errcheck
	buf.Write(audio)
	return buf.Bytes()
}
