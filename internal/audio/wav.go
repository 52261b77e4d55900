package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVMIMEType is the content type of recordings produced by EncodeWAV.
const WAVMIMEType = "audio/wav"

const encodeBlockSamples = 32 * 1024

// EncodeWAV wraps signed 16-bit little-endian PCM in a WAV container.
// A trailing odd byte is dropped.
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if len(pcm) < 2 {
		return nil, nil
	}

	f, err := os.CreateTemp("", "scribe-*.wav")
	if err != nil {
		return nil, fmt.Errorf("create wav temp file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: 16,
	}

	samples := len(pcm) / 2
	for offset := 0; offset < samples; offset += encodeBlockSamples {
		end := min(offset+encodeBlockSamples, samples)
		data := make([]int, end-offset)
		for i := range data {
			pos := (offset + i) * 2
			data[i] = int(int16(binary.LittleEndian.Uint16(pcm[pos : pos+2])))
		}
		buf.Data = data
		if err := enc.Write(buf); err != nil {
			return nil, fmt.Errorf("encode wav: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("finalize wav: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wav: %w", err)
	}
	return data, nil
}

// PCMDuration is the playback length of 16-bit PCM.
func PCMDuration(bytes int64, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	frames := bytes / int64(2*channels)
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}
