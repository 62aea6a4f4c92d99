// Package planner builds the subprocess argv and destination
// classification for a transcode job, given its resolved encoder family
// and source resolution class.
package planner

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ripforge/ripforge/internal/cmdguard"
	"github.com/ripforge/ripforge/internal/model"
	"github.com/ripforge/ripforge/internal/probe"
)

// Tool identifies which external binary executes the plan.
type Tool string

const (
	ToolVideoToolA Tool = "videotool_a"
	ToolVideoToolB Tool = "videotool_b"
)

// audioExtensions are the standalone-audio-file extensions that make a
// source directory classify as AUDIO regardless of any lexical hint.
var audioExtensions = map[string]bool{
	".flac": true, ".mp3": true, ".wav": true, ".ogg": true,
}

// looksLikeSeasonEpisode is the lexical TV heuristic from spec.md §4.6: an
// unanchored search for S\d{1,2}E\d{1,3}, checked case-insensitively
// without pulling in regexp for a single fixed shape.
func looksLikeSeasonEpisode(s string) bool {
	upper := strings.ToUpper(s)
	for i := 0; i < len(upper); i++ {
		if upper[i] != 'S' {
			continue
		}
		j := i + 1
		digits := 0
		for j < len(upper) && upper[j] >= '0' && upper[j] <= '9' && digits < 2 {
			j++
			digits++
		}
		if digits == 0 || j >= len(upper) || upper[j] != 'E' {
			continue
		}
		j++
		edigits := 0
		for j < len(upper) && upper[j] >= '0' && upper[j] <= '9' && edigits < 3 {
			j++
			edigits++
		}
		if edigits > 0 {
			return true
		}
	}
	return false
}

// Classify implements spec.md §4.6's destination classification rule.
func Classify(sourceFiles []string, sourceHint string) model.Classification {
	for _, f := range sourceFiles {
		if audioExtensions[strings.ToLower(filepath.Ext(f))] {
			return model.ClassificationAudio
		}
	}
	if looksLikeSeasonEpisode(sourceHint) {
		return model.ClassificationTV
	}
	return model.ClassificationMovie
}

// Settings is the configured, already-validated transcode parameters a
// Plan is built from.
type Settings struct {
	Quality          int
	AudioEncoder     cmdguard.AudioEncoder
	SubtitleMode     cmdguard.SubtitleMode
	HandbrakePreset  string
	HandbrakePreset4K string
	VAAPIDevice      string
}

// Plan is the fully-resolved execution plan Worker hands to Executor.
type Plan struct {
	Tool Tool
	Argv []string
}

// encoderMapping is spec.md §4.6's table, keyed by encoder family.
type encoderMapping struct {
	videoToolAEncoder string
	qualityArgs       func(q int) []string
	scaleFilter       string // %d placeholder for target height is not used; 1280:720 is fixed per spec
}

var mappings = map[model.EncoderFamily]encoderMapping{
	model.EncoderNVENC: {
		videoToolAEncoder: "hevc_nvenc",
		qualityArgs:       func(q int) []string { return []string{"-cq", itoa(q)} },
		scaleFilter:       "scale_cuda=1280:720",
	},
	model.EncoderVAAPI: {
		videoToolAEncoder: "hevc_vaapi",
		qualityArgs:       func(q int) []string { return []string{"-qp", itoa(q)} },
		scaleFilter:       "scale_vaapi=w=1280:h=720",
	},
	model.EncoderAMF: {
		videoToolAEncoder: "hevc_amf",
		qualityArgs:       func(q int) []string { return []string{"-qp_i", itoa(q), "-qp_p", itoa(q)} },
		scaleFilter:       "scale=1280:720",
	},
	model.EncoderQSV: {
		videoToolAEncoder: "hevc_qsv",
		qualityArgs:       func(q int) []string { return []string{"-global_quality", itoa(q)} },
		scaleFilter:       "vpp_qsv=w=1280:h=720",
	},
	model.EncoderSoftX265: {
		videoToolAEncoder: "libx265",
		qualityArgs:       func(q int) []string { return []string{"-crf", itoa(q)} },
		scaleFilter:       "scale=1280:720",
	},
	model.EncoderSoftX264: {
		videoToolAEncoder: "libx264",
		qualityArgs:       func(q int) []string { return []string{"-crf", itoa(q)} },
		scaleFilter:       "scale=1280:720",
	},
}

func itoa(i int) string { return fmt.Sprintf("%d", i) }

// Build produces the argv and tool choice for a video transcode, per
// spec.md §4.6. useHandbrakePreset selects the VideoTool-B preset path,
// only meaningful (and only honored) for the NVENC family.
func Build(family model.EncoderFamily, resClass probe.ResolutionClass, src, dst string, settings Settings, useHandbrakePreset bool) (Plan, error) {
	if family == model.EncoderNVENC && useHandbrakePreset {
		preset := settings.HandbrakePreset
		if resClass == probe.ResolutionUHD {
			preset = settings.HandbrakePreset4K
		}
		return Plan{
			Tool: ToolVideoToolB,
			Argv: []string{"-i", src, "-o", dst, "-Z", preset},
		}, nil
	}

	m, ok := mappings[family]
	if !ok {
		return Plan{}, fmt.Errorf("planner: no mapping for encoder family %q", family)
	}

	var argv []string
	if family == model.EncoderVAAPI {
		argv = append(argv, "-vaapi_device", settings.VAAPIDevice)
	}
	argv = append(argv, "-i", src)

	if resClass == probe.ResolutionSD {
		argv = append(argv, "-vf", m.scaleFilter)
	}

	argv = append(argv, "-map", "0:v:0", "-map", "0:a?")
	switch settings.SubtitleMode {
	case cmdguard.SubtitleAll:
		argv = append(argv, "-map", "0:s?")
	case cmdguard.SubtitleFirst:
		argv = append(argv, "-map", "0:s:0?")
	case cmdguard.SubtitleNone:
		// no subtitle map
	}

	argv = append(argv, "-c:v", m.videoToolAEncoder)
	argv = append(argv, m.qualityArgs(settings.Quality)...)

	if settings.AudioEncoder == cmdguard.AudioCopy {
		argv = append(argv, "-c:a", "copy")
	} else {
		argv = append(argv, "-c:a", string(settings.AudioEncoder), "-b:a", "192k")
	}

	argv = append(argv, dst)

	return Plan{Tool: ToolVideoToolA, Argv: argv}, nil
}
