package heatmap

import (
	"kinewatchd/internal/models"
	"math"
	"strconv"
	"strings"
)

// pathCommands is the SVG path command vocabulary. Any other letter, such as the
// exponent in "1e-3", stays part of the parameter run.
const pathCommands = "MmLlHhVvCcSsQqTtAaZz"

// Command is one drawing command of a path description with its raw parameter run.
type Command struct {
	Name   byte
	Params string
}

// IsCubic reports whether the command draws a cubic Bézier segment.
func (c Command) IsCubic() bool {
	return c.Name == 'C' || c.Name == 'c'
}

func isCommand(b byte) bool {
	return strings.IndexByte(pathCommands, b) >= 0
}

// Commands splits a path description into command/parameter pairs.
// Text before the first command letter is ignored.
func Commands(d string) []Command {
	var cmds []Command
	i := 0
	for i < len(d) {
		if !isCommand(d[i]) {
			i++
			continue
		}
		j := i + 1
		for j < len(d) && !isCommand(d[j]) {
			j++
		}
		cmds = append(cmds, Command{Name: d[i], Params: strings.TrimSpace(d[i+1 : j])})
		i = j
	}
	return cmds
}

// ParsePath extracts the on-curve endpoints of every cubic Bézier command in d.
// Each cubic command carries its points in groups of three "x,y" pairs; the two
// control points of a group are discarded. Malformed pairs are dropped before grouping.
func ParsePath(d string) []models.RawPoint {
	var points []models.RawPoint
	for _, cmd := range Commands(d) {
		if cmd.Params == "" || !cmd.IsCubic() {
			continue
		}
		pairs := parsePairs(cmd.Params)
		for i := 2; i < len(pairs); i += 3 {
			points = append(points, pairs[i])
		}
	}
	return points
}

func parsePairs(params string) []models.RawPoint {
	fields := strings.Fields(params)
	pairs := make([]models.RawPoint, 0, len(fields))
	for _, field := range fields {
		if pt, ok := parsePair(field); ok {
			pairs = append(pairs, pt)
		}
	}
	return pairs
}

// parsePair reads the first two comma-separated numbers of a token; extra fields are ignored.
func parsePair(token string) (models.RawPoint, bool) {
	parts := strings.Split(token, ",")
	if len(parts) < 2 {
		return models.RawPoint{}, false
	}
	x, err := strconv.ParseFloat(parts[0], 64)
	if err != nil || !isFinite(x) {
		return models.RawPoint{}, false
	}
	y, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || !isFinite(y) {
		return models.RawPoint{}, false
	}
	return models.RawPoint{X: x, Y: y}, true
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
