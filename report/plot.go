package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Plot draws a vertical bar chart of values in [0,1], one column per value.
func Plot(w io.Writer, values []float64) {
	const height = 10
	if len(values) == 0 {
		fmt.Fprintln(w, "no data to plot")
		return
	}
	var sb strings.Builder
	for row := height; row >= 1; row-- {
		threshold := float64(row) / float64(height)
		for _, v := range values {
			if v >= threshold {
				sb.WriteString("█")
			} else {
				sb.WriteString(" ")
			}
		}
		sb.WriteString("\n")
	}
	sb.WriteString(strings.Repeat("─", len(values)))
	sb.WriteString("\n")
	// epochs are 1-based; label every fifth column
	for i := range values {
		if i%5 == 0 {
			sb.WriteString(strconv.Itoa((i + 1) % 10))
		} else {
			sb.WriteString(" ")
		}
	}
	sb.WriteString("\n")
	io.WriteString(w, sb.String())
}
