package dashboard

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"go-detection-dashboard/internal/connectors/detections"
)

// Region is one replaceable display area. Its nodes are built fresh on every
// refresh and never patched in place.
type Region struct {
	nodes  []*html.Node
	markup string
}

func newRegion(nodes []*html.Node) Region {
	var b strings.Builder
	for _, n := range nodes {
		_ = html.Render(&b, n)
	}
	return Region{nodes: nodes, markup: b.String()}
}

// Len is the number of top-level rows or lines in the region.
func (r Region) Len() int { return len(r.nodes) }

// Markup is the rendered HTML of the region's children.
func (r Region) Markup() string { return r.markup }

// Nodes returns the region's top-level nodes.
func (r Region) Nodes() []*html.Node { return r.nodes }

// FormatConfidence renders a confidence with exactly one decimal place.
func FormatConfidence(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

// ClipLabel is the final path segment of a clip path.
func ClipLabel(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// RenderLogRows builds table rows, newest entry first.
func RenderLogRows(logs []detections.LogEntry) []*html.Node {
	rows := make([]*html.Node, 0, len(logs))
	for i := len(logs) - 1; i >= 0; i-- {
		l := logs[i]
		tr := element(atom.Tr)
		tr.AppendChild(cell(l.Timestamp))
		tr.AppendChild(cell(l.Class))
		tr.AppendChild(cell(FormatConfidence(l.Confidence)))

		action := element(atom.Td)
		action.AppendChild(button("play", l.Clip, "▶"))
		tr.AppendChild(action)
		rows = append(rows, tr)
	}
	return rows
}

// RenderClipList builds one entry per clip with play and delete controls.
func RenderClipList(clips []string) []*html.Node {
	items := make([]*html.Node, 0, len(clips))
	for _, c := range clips {
		item := element(atom.Div, attr("class", "clip"))

		label := element(atom.Span, attr("class", "clip-name"))
		label.AppendChild(text(ClipLabel(c)))
		item.AppendChild(label)

		controls := element(atom.Span, attr("class", "clip-actions"))
		controls.AppendChild(button("play", c, "▶"))
		controls.AppendChild(button("delete", c, "🗑️"))
		item.AppendChild(controls)

		items = append(items, item)
	}
	return items
}

// RenderStatsList builds one "key: value" line per stat.
func RenderStatsList(stats detections.Stats) []*html.Node {
	lines := make([]*html.Node, 0, len(stats))
	for _, s := range stats {
		line := element(atom.Div, attr("class", "stat"))
		line.AppendChild(text(s.Key + ": " + s.Value))
		lines = append(lines, line)
	}
	return lines
}

// TextContent concatenates the text nodes under n.
func TextContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(TextContent(c))
	}
	return b.String()
}

func element(a atom.Atom, attrs ...html.Attribute) *html.Node {
	return &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String(), Attr: attrs}
}

func attr(key, val string) html.Attribute {
	return html.Attribute{Key: key, Val: val}
}

func text(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

func cell(s string) *html.Node {
	td := element(atom.Td)
	td.AppendChild(text(s))
	return td
}

func button(action, clip, label string) *html.Node {
	b := element(atom.Button,
		attr("type", "button"),
		attr("class", action),
		attr("data-action", action),
		attr("data-clip", clip),
	)
	b.AppendChild(text(label))
	return b
}
