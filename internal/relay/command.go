package relay

import (
	"strconv"
	"strings"

	"github.com/voyagen/loopcaster/internal/config"
	"github.com/voyagen/loopcaster/internal/models"
)

// Command is a fully built relay invocation.
type Command struct {
	Path string
	Args []string
	// Display is the command line with the stream key masked, safe to log.
	Display string
}

// BuildCommand assembles the ffmpeg invocation that relays ch's source file
// to its endpoint at native rate.
func BuildCommand(ffmpegPath string, p config.RelayProfile, ch *models.Channel) Command {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	args := []string{"-hide_banner", "-nostdin", "-re"}
	if ch.LoopingEnabled {
		args = append(args, "-stream_loop", "-1")
	}
	args = append(args, "-i", ch.SourcePath())
	args = appendOpt(args, "-c:v", p.VideoCodec)
	args = appendOpt(args, "-preset", p.Preset)
	args = appendOpt(args, "-b:v", p.VideoBitrate)
	args = appendOpt(args, "-maxrate", p.MaxRate)
	args = appendOpt(args, "-bufsize", p.BufSize)
	args = appendOpt(args, "-pix_fmt", p.PixelFormat)
	if p.GOP > 0 {
		args = append(args, "-g", strconv.Itoa(p.GOP))
	}
	args = appendOpt(args, "-c:a", p.AudioCodec)
	args = appendOpt(args, "-b:a", p.AudioBitrate)
	if p.AudioRate > 0 {
		args = append(args, "-ar", strconv.Itoa(p.AudioRate))
	}
	format := p.Format
	if format == "" {
		format = "flv"
	}
	args = append(args, "-f", format, ch.Endpoint())

	return Command{
		Path:    ffmpegPath,
		Args:    args,
		Display: redact(ffmpegPath+" "+strings.Join(args, " "), ch.RTMPKey),
	}
}

func appendOpt(args []string, flag, value string) []string {
	if value == "" {
		return args
	}
	return append(args, flag, value)
}

// redact replaces every occurrence of key in s with its masked form.
func redact(s, key string) string {
	if key == "" {
		return s
	}
	return strings.ReplaceAll(s, key, models.MaskKey(key))
}

// isProgress reports whether an ffmpeg output line shows that encoding began.
func isProgress(line string) bool {
	return strings.HasPrefix(line, "frame=") || strings.HasPrefix(line, "size=") ||
		strings.Contains(line, "Press [q]")
}
