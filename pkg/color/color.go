// Package color assigns each agent a stable terminal colour so that progress
// lines from different reviewers are easy to tell apart.
package color

import (
	"fmt"
	"hash/fnv"
	"io"

	fcolor "github.com/fatih/color"
)

var agentColors = []fcolor.Attribute{
	fcolor.FgHiRed,
	fcolor.FgHiGreen,
	fcolor.FgHiYellow,
	fcolor.FgHiBlue,
	fcolor.FgHiMagenta,
	fcolor.FgHiCyan,
	fcolor.FgRed,
	fcolor.FgGreen,
	fcolor.FgYellow,
	fcolor.FgBlue,
	fcolor.FgMagenta,
	fcolor.FgCyan,
}

// AgentAttribute returns the palette entry for name. The same name always
// maps to the same entry.
func AgentAttribute(name string) fcolor.Attribute {
	h := fnv.New32a()
	h.Write([]byte(name))
	return agentColors[int(h.Sum32()%uint32(len(agentColors)))]
}

// Agent returns the colour for name. NO_COLOR and non-terminal output are
// honoured by fatih/color itself.
func Agent(name string) *fcolor.Color {
	return fcolor.New(AgentAttribute(name))
}

// FormatAgentPrefix formats name as a coloured "[name]" prefix.
func FormatAgentPrefix(name string) string {
	return Agent(name).Sprintf("[%s]", name)
}

// Fprintln writes text to w behind the agent's coloured prefix.
func Fprintln(w io.Writer, name, text string) {
	fmt.Fprintf(w, "%s %s\n", FormatAgentPrefix(name), text)
}
