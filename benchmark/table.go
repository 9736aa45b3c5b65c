package benchmark

import (
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/knights-analytics/diffbench/pipelines"
)

const tableFrame = "|------------|--------------|"

// center pads s to width with the extra space on the right, as Python's "^" format does.
func center(s string, width int) string {
	n := utf8.RuneCountInString(s)
	if n >= width {
		return s
	}
	left := (width - n) / 2
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", width-n-left)
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// WriteLatencyTable prints the per stage latencies of one pipeline run.
func WriteLatencyTable(w io.Writer, r *pipelines.DiffusionResult, steps int) error {
	var sb strings.Builder
	sb.WriteString(tableFrame + "\n")
	fmt.Fprintf(&sb, "| %s | %s |\n", center("Module", 10), center("Latency", 12))
	sb.WriteString(tableFrame + "\n")
	fmt.Fprintf(&sb, "| %s | %9.2f ms |\n", center("CLIP", 10), milliseconds(r.CLIP))
	fmt.Fprintf(&sb, "| %s | %9.2f ms |\n", center(fmt.Sprintf("UNet x %d", steps), 10), milliseconds(r.UNet))
	fmt.Fprintf(&sb, "| %s | %9.2f ms |\n", center("VAE", 10), milliseconds(r.VAE))
	sb.WriteString(tableFrame + "\n")
	fmt.Fprintf(&sb, "| %s | %10.2f s |\n", center("Pipeline", 10), r.Pipeline.Seconds())
	sb.WriteString(tableFrame + "\n")
	_, err := io.WriteString(w, sb.String())
	return err
}

// ImagePrefix names the images of a run: sd-<precision>, then -<first 10 characters> of
// every distinct prompt with spaces replaced by underscores, then a trailing dash.
func ImagePrefix(precision string, prompts []string) string {
	var sb strings.Builder
	sb.WriteString("sd-" + precision)
	seen := map[string]bool{}
	for _, prompt := range prompts {
		part := []rune(strings.ReplaceAll(prompt, " ", "_"))
		tag := "-" + string(part[:min(10, len(part))])
		if seen[tag] {
			continue
		}
		seen[tag] = true
		sb.WriteString(tag)
	}
	sb.WriteString("-")
	return sb.String()
}
