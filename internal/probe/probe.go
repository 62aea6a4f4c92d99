// Package probe inspects source media with VideoTool-A's container
// inspector and detects which hardware encoder families are usable on
// this host.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ripforge/ripforge/internal/model"
)

// ResolutionClass is the coarse bucket Planner keys its encoder mapping on.
type ResolutionClass string

const (
	ResolutionUHD ResolutionClass = "uhd"
	ResolutionHD  ResolutionClass = "hd"
	ResolutionSD  ResolutionClass = "sd"
)

// MediaInfo is the subset of container metadata this system needs.
type MediaInfo struct {
	Width    int
	Height   int
	Duration time.Duration
}

// Classify buckets a probed resolution per spec.md §4.5(a).
func (m MediaInfo) Classify() ResolutionClass {
	switch {
	case m.Width > 1920 || m.Height > 1080:
		return ResolutionUHD
	case m.Width >= 1280 || m.Height >= 720:
		return ResolutionHD
	default:
		return ResolutionSD
	}
}

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
}

type ffprobeStream struct {
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// Prober wraps VideoTool-A's inspector binary.
type Prober struct {
	ffprobePath string
}

// NewProber constructs a Prober bound to the configured inspector path.
func NewProber(ffprobePath string) *Prober {
	return &Prober{ffprobePath: ffprobePath}
}

// Probe returns the resolution and duration of the first video stream.
func (p *Prober) Probe(ctx context.Context, path string) (MediaInfo, error) {
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return MediaInfo{}, fmt.Errorf("probe: %w", err)
	}

	var out ffprobeOutput
	if err := json.Unmarshal(output, &out); err != nil {
		return MediaInfo{}, fmt.Errorf("probe: decode: %w", err)
	}

	info := MediaInfo{}
	if out.Format.Duration != "" {
		if secs, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil {
			info.Duration = time.Duration(secs * float64(time.Second))
		}
	}
	for _, s := range out.Streams {
		if s.CodecType == "video" {
			info.Width, info.Height = s.Width, s.Height
			break
		}
	}
	return info, nil
}

// EncoderDetector caches which encoder families are usable at process
// startup. Detection cost (probing -encoders plus a tiny test encode per
// hardware family) is paid once.
type EncoderDetector struct {
	ffmpegPath  string
	vaapiDevice string

	available map[model.EncoderFamily]bool
}

// NewEncoderDetector constructs a detector bound to the configured
// VideoTool-A binary and VAAPI render node.
func NewEncoderDetector(ffmpegPath, vaapiDevice string) *EncoderDetector {
	return &EncoderDetector{ffmpegPath: ffmpegPath, vaapiDevice: vaapiDevice, available: map[model.EncoderFamily]bool{}}
}

// familyEncoderName is the VideoTool-A encoder name that must appear in
// `-encoders` output for a family to be plausible.
var familyEncoderName = map[model.EncoderFamily]string{
	model.EncoderNVENC:    "hevc_nvenc",
	model.EncoderVAAPI:    "hevc_vaapi",
	model.EncoderAMF:      "hevc_amf",
	model.EncoderQSV:      "hevc_qsv",
	model.EncoderSoftX265: "libx265",
	model.EncoderSoftX264: "libx264",
}

// Detect probes for every hardware encoder family plus the two software
// fallbacks. Worker uses the configured family only if it was detected;
// otherwise it takes the first detected family in its fallback chain
// (software x265 if none) rather than going straight to software, and the
// substitution is logged, not stored on the job.
func (d *EncoderDetector) Detect(ctx context.Context) map[model.EncoderFamily]bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	listed := ""
	if out, err := exec.CommandContext(ctx, d.ffmpegPath, "-encoders", "-hide_banner").Output(); err == nil {
		listed = string(out)
	}

	for family, encName := range familyEncoderName {
		if family == model.EncoderSoftX265 || family == model.EncoderSoftX264 {
			d.available[family] = containsSubstr(listed, encName)
			continue
		}
		if !containsSubstr(listed, encName) {
			d.available[family] = false
			continue
		}
		if (family == model.EncoderVAAPI || family == model.EncoderQSV) && !renderDeviceExists(d.vaapiDevice) {
			d.available[family] = false
			continue
		}
		d.available[family] = d.testEncode(ctx, encName, family)
	}
	return d.Available()
}

// Available returns a copy of the last detection result.
func (d *EncoderDetector) Available() map[model.EncoderFamily]bool {
	out := make(map[model.EncoderFamily]bool, len(d.available))
	for k, v := range d.available {
		out[k] = v
	}
	return out
}

func (d *EncoderDetector) testEncode(ctx context.Context, encoderName string, family model.EncoderFamily) bool {
	args := []string{"-f", "lavfi", "-i", "color=c=black:s=256x256:d=0.1"}
	if family == model.EncoderVAAPI {
		args = append([]string{"-init_hw_device", "vaapi=va:" + d.vaapiDevice, "-filter_hw_device", "va"}, args...)
	}
	args = append(args, "-frames:v", "1", "-c:v", encoderName, "-f", "null", "-")
	return exec.CommandContext(ctx, d.ffmpegPath, args...).Run() == nil
}

func containsSubstr(haystack, needle string) bool {
	return needle != "" && strings.Contains(haystack, needle)
}

func renderDeviceExists(device string) bool {
	if device == "" {
		return false
	}
	_, err := os.Stat(device)
	return err == nil
}
