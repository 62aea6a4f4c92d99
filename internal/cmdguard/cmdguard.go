// Package cmdguard validates every user-tunable transcode parameter
// against a fixed allowlist before it reaches an argv.
package cmdguard

import (
	"fmt"
	"strings"
)

// VideoEncoder is a normalized short-form encoder name.
type VideoEncoder string

const (
	NVENCH265 VideoEncoder = "nvenc_h265"
	NVENCH264 VideoEncoder = "nvenc_h264"
	VAAPIH265 VideoEncoder = "vaapi_h265"
	VAAPIH264 VideoEncoder = "vaapi_h264"
	AMFH265   VideoEncoder = "amf_h265"
	AMFH264   VideoEncoder = "amf_h264"
	QSVH265   VideoEncoder = "qsv_h265"
	QSVH264   VideoEncoder = "qsv_h264"
	X265      VideoEncoder = "x265"
	X264      VideoEncoder = "x264"
)

// videoToolAAliases maps VideoTool-A's own encoder names to the short form
// CommandGuard stores on a job.
var videoToolAAliases = map[string]VideoEncoder{
	"hevc_nvenc":    NVENCH265,
	"h264_nvenc":    NVENCH264,
	"hevc_vaapi":    VAAPIH265,
	"h264_vaapi":    VAAPIH264,
	"hevc_amf":      AMFH265,
	"h264_amf":      AMFH264,
	"hevc_qsv":      QSVH265,
	"h264_qsv":      QSVH264,
	"libx265":       X265,
	"libx264":       X264,
}

var validVideoEncoders = map[VideoEncoder]bool{
	NVENCH265: true, NVENCH264: true,
	VAAPIH265: true, VAAPIH264: true,
	AMFH265: true, AMFH264: true,
	QSVH265: true, QSVH264: true,
	X265: true, X264: true,
}

// AudioEncoder is an allowed audio codec choice, including the copy
// passthrough.
type AudioEncoder string

const (
	AudioCopy AudioEncoder = "copy"
	AudioAAC  AudioEncoder = "aac"
	AudioAC3  AudioEncoder = "ac3"
	AudioEAC3 AudioEncoder = "eac3"
	AudioFLAC AudioEncoder = "flac"
	AudioMP3  AudioEncoder = "mp3"
)

var validAudioEncoders = map[AudioEncoder]bool{
	AudioCopy: true, AudioAAC: true, AudioAC3: true,
	AudioEAC3: true, AudioFLAC: true, AudioMP3: true,
}

// SubtitleMode selects which subtitle streams are carried to the output.
type SubtitleMode string

const (
	SubtitleAll   SubtitleMode = "all"
	SubtitleNone  SubtitleMode = "none"
	SubtitleFirst SubtitleMode = "first"
)

var validSubtitleModes = map[SubtitleMode]bool{
	SubtitleAll: true, SubtitleNone: true, SubtitleFirst: true,
}

// NormalizeVideoEncoder maps a VideoTool-A native encoder name (or an
// already-short form) to the canonical short form, validating it against
// the allowlist.
func NormalizeVideoEncoder(raw string) (VideoEncoder, error) {
	if alias, ok := videoToolAAliases[raw]; ok {
		return alias, nil
	}
	enc := VideoEncoder(raw)
	if validVideoEncoders[enc] {
		return enc, nil
	}
	return "", fmt.Errorf("cmdguard: unknown video_encoder %q", raw)
}

// ValidateAudioEncoder checks raw against the audio allowlist.
func ValidateAudioEncoder(raw string) (AudioEncoder, error) {
	enc := AudioEncoder(raw)
	if validAudioEncoders[enc] {
		return enc, nil
	}
	return "", fmt.Errorf("cmdguard: unknown audio_encoder %q", raw)
}

// ValidateSubtitleMode checks raw against the subtitle-mode allowlist.
func ValidateSubtitleMode(raw string) (SubtitleMode, error) {
	mode := SubtitleMode(raw)
	if validSubtitleModes[mode] {
		return mode, nil
	}
	return "", fmt.Errorf("cmdguard: unknown subtitle_mode %q", raw)
}

// ValidateQuality validates the integer CRF/CQ/QP value, rejecting (not
// clamping) anything outside [0,51].
func ValidateQuality(q int) (int, error) {
	if q < 0 || q > 51 {
		return 0, fmt.Errorf("cmdguard: quality %d out of range [0,51]", q)
	}
	return q, nil
}

// PresetAllowlist is the static, bundled set of VideoTool-B preset names
// this daemon trusts. Populated at startup from a baked table (see
// DefaultPresetAllowlist); resolved the Open Question in favor of a
// static list over a runtime tool query.
type PresetAllowlist struct {
	names map[string]bool
}

// NewPresetAllowlist builds an allowlist from the given preset names.
func NewPresetAllowlist(names []string) *PresetAllowlist {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return &PresetAllowlist{names: set}
}

// DefaultPresetAllowlist is VideoTool-B's bundled preset names this daemon
// ships trust for. Matches the configured HANDBRAKE_PRESET /
// HANDBRAKE_PRESET_4K surface from spec.md §6.
func DefaultPresetAllowlist() *PresetAllowlist {
	return NewPresetAllowlist([]string{
		"Fast 1080p30",
		"Fast 720p30",
		"Fast 2160p60 4K HEVC",
		"H.265 MKV 1080p30",
		"H.265 MKV 2160p60 4K",
		"Super HQ 1080p30 Surround",
	})
}

// Validate rejects any preset name not on the bundled allowlist.
func (a *PresetAllowlist) Validate(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("cmdguard: empty preset name")
	}
	if !a.names[name] {
		return fmt.Errorf("cmdguard: preset %q not in allowlist", name)
	}
	return nil
}
