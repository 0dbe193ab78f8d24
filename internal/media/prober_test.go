package media

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFramerate(t *testing.T) {
	tests := []struct {
		name string
		rate string
		want float64
	}{
		{"ntsc rational", "30000/1001", 29.97},
		{"integer rational", "25/1", 25},
		{"plain number", "30", 30},
		{"empty", "", 0},
		{"degenerate", "0/0", 0},
		{"zero denominator", "30/0", 0},
		{"garbage", "abc/def", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, parseFramerate(tt.rate), 0.01)
		})
	}
}

func TestProbeResultCondense(t *testing.T) {
	raw := `{
		"format": {
			"filename": "in.mp4",
			"nb_streams": 3,
			"format_name": "mov,mp4,m4a,3gp,3g2,mj2",
			"duration": "125.440000",
			"size": "52428800",
			"bit_rate": "3343360"
		},
		"streams": [
			{"index": 0, "codec_name": "h264", "codec_type": "video", "width": 1920, "height": 1080, "r_frame_rate": "30000/1001"},
			{"index": 1, "codec_name": "aac", "codec_type": "audio", "channels": 2, "sample_rate": "48000"},
			{"index": 2, "codec_name": "aac", "codec_type": "audio", "channels": 2, "sample_rate": "48000"}
		]
	}`

	var result ProbeResult
	require.NoError(t, json.Unmarshal([]byte(raw), &result))

	info := condense(&result)
	require.NotNil(t, info)
	assert.Equal(t, 1920, info.Width)
	assert.Equal(t, 1080, info.Height)
	assert.InDelta(t, 125.44, info.DurationSec, 1e-9)
	assert.InDelta(t, 29.97, info.FPS, 0.01)
	assert.Equal(t, "h264", info.VideoCodec)
	assert.Equal(t, "aac", info.AudioCodec)
	assert.Equal(t, 2, info.AudioTracks)
	assert.Equal(t, int64(52428800), info.SizeBytes)
}

func TestProbeResultCondenseAudioOnly(t *testing.T) {
	result := &ProbeResult{
		Format: ProbeFormat{FormatName: "wav", Duration: "10.0"},
		Streams: []ProbeStream{
			{Index: 0, CodecName: "pcm_s16le", CodecType: "audio", Channels: 1},
		},
	}

	info := condense(result)
	assert.Nil(t, info)
}

func TestProbeResultStreamDurationFallback(t *testing.T) {
	result := &ProbeResult{
		Format: ProbeFormat{FormatName: "matroska"},
		Streams: []ProbeStream{
			{Index: 0, CodecName: "vp9", CodecType: "video", Width: 1280, Height: 720, RFrameRate: "0/0", AvgFrameRate: "25/1", Duration: "42.5"},
		},
	}

	info := condense(result)
	require.NotNil(t, info)
	assert.InDelta(t, 42.5, info.DurationSec, 1e-9)
	assert.InDelta(t, 25, info.FPS, 1e-9)
	assert.Zero(t, info.AudioTracks)
}
