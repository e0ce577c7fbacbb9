// Package render draws hourly analysis results as terminal sparklines and PNG charts
package render

import (
	"bytes"
	"fmt"
	"math"
)

const brailleBlank = '⠀'

// Braille blocks for better alignment and resolution (4 sub-blocks high)
// Empty, 1/4, 1/2, 3/4, Full
var blocks = []rune{brailleBlank, '⣀', '⣤', '⣶', '⣿'}

// bounds returns the min and max of the present values
func bounds(values []*float64) (minVal, maxVal float64, ok bool) {
	for _, v := range values {
		if v == nil {
			continue
		}
		if !ok {
			minVal, maxVal, ok = *v, *v, true
			continue
		}
		minVal = math.Min(minVal, *v)
		maxVal = math.Max(maxVal, *v)
	}
	return minVal, maxVal, ok
}

func present(values []*float64) int {
	n := 0
	for _, v := range values {
		if v != nil {
			n++
		}
	}
	return n
}

// Sparkline renders values as a braille bar chart height lines tall, one
// column per value. Missing values leave their column blank. Fewer than two
// values render nothing.
func Sparkline(values []*float64, height int) string {
	if present(values) < 2 || height < 1 {
		return ""
	}

	minVal, maxVal, _ := bounds(values)

	// Dynamic scaling with buffer
	buffer := 10.0
	minVal = math.Max(0, minVal-buffer)
	maxVal += buffer
	rangeVal := maxVal - minVal
	subBlocksPerLine := 4.0

	rows := make([][]rune, height)
	for i := range rows {
		rows[i] = make([]rune, len(values))
		for j := range rows[i] {
			rows[i][j] = brailleBlank
		}
	}

	for x, v := range values {
		if v == nil {
			continue
		}
		normalized := (*v - minVal) / rangeVal
		totalSubBlocks := normalized * float64(height) * subBlocksPerLine

		// Fill lines from bottom up
		for y := 0; y < height; y++ {
			lineIdx := height - 1 - y
			lineStart := float64(y) * subBlocksPerLine
			lineEnd := float64(y+1) * subBlocksPerLine

			if totalSubBlocks >= lineEnd {
				rows[lineIdx][x] = blocks[len(blocks)-1]
			} else if totalSubBlocks > lineStart {
				remainder := int(math.Round(totalSubBlocks - lineStart))
				remainder = max(0, min(remainder, len(blocks)-1))
				rows[lineIdx][x] = blocks[remainder]
			}
		}
	}

	var result bytes.Buffer
	fmt.Fprintf(&result, "Max: %.0f\n", maxVal)
	for i := range rows {
		result.WriteString(string(rows[i]))
		result.WriteString("\n")
	}
	fmt.Fprintf(&result, "Min: %.0f", minVal)
	return result.String()
}

// CompactSparkline renders values on two braille lines without labels
func CompactSparkline(values []*float64) string {
	if present(values) < 2 {
		return ""
	}

	minVal, maxVal, _ := bounds(values)
	rangeVal := maxVal - minVal
	if rangeVal == 0 {
		rangeVal = 1
	}

	var topLine, bottomLine bytes.Buffer
	for _, v := range values {
		if v == nil {
			topLine.WriteRune(brailleBlank)
			bottomLine.WriteRune(brailleBlank)
			continue
		}
		// Scale to 0-4, each line holds half the height
		height := (*v - minVal) / rangeVal * 4.0
		top, bottom := compactColumn(height)
		topLine.WriteRune(top)
		bottomLine.WriteRune(bottom)
	}
	return topLine.String() + "\n" + bottomLine.String()
}

func compactColumn(height float64) (top, bottom rune) {
	switch {
	case height >= 4:
		return '⣿', '⣿'
	case height >= 3.5:
		return '⣶', '⣿'
	case height >= 3:
		return '⣤', '⣿'
	case height >= 2.5:
		return '⣀', '⣿'
	case height >= 2:
		return brailleBlank, '⣿'
	case height >= 1.5:
		return brailleBlank, '⣶'
	case height >= 1:
		return brailleBlank, '⣤'
	default:
		// The floor keeps a visible baseline
		return brailleBlank, '⣀'
	}
}
