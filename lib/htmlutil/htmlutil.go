package htmlutil

import (
	"bytes"
	"context"
	"strings"
	"unicode"

	"novelfetch/lib/rules"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/html"
)

var tracer = otel.Tracer("novelfetch.lib.htmlutil")

// GetText concatenates every text node under node. <br> elements become newlines
// so chapter bodies written as one block of <br>-separated lines keep their breaks.
func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer) {
	if node == nil {
		return
	}
	switch node.Type {
	case html.TextNode:
		buffer.WriteString(node.Data)
		return
	case html.ElementNode:
		if node.Data == "br" {
			buffer.WriteByte('\n')
			return
		}
		if node.Data == "script" || node.Data == "style" {
			return
		}
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		getTextRecursive(child, buffer)
	}
}

// SelectionText is GetText over every node of sel.
func SelectionText(sel *goquery.Selection) string {
	var buffer bytes.Buffer
	for _, n := range sel.Nodes {
		getTextRecursive(n, &buffer)
	}
	return buffer.String()
}

type Anchor struct {
	Name string
	Href string
}

func removeNonPrintable(s string) string {
	newStr := strings.Builder{}
	for _, c := range s {
		if unicode.IsPrint(c) {
			newStr.WriteRune(c)
		}
	}
	return newStr.String()
}

// CleanInline collapses a text fragment onto one line.
func CleanInline(s string) string {
	return removeNonPrintable(strings.Join(strings.Fields(s), " "))
}

// Href reads the link target of a node, falling back to its value attribute
// (select options used as page pickers carry the url there).
func Href(sel *goquery.Selection) string {
	if href, ok := sel.Attr("href"); ok && strings.TrimSpace(href) != "" {
		return strings.TrimSpace(href)
	}
	if value, ok := sel.Attr("value"); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

// GetAnchors returns the text and resolved href of every node in sel. Links are
// resolved against pageUrl, the page they were found on. Nodes without a link
// target are skipped.
func GetAnchors(ctx context.Context, pageUrl string, sel *goquery.Selection) []Anchor {
	_, span := tracer.Start(ctx, "GetAnchors")
	defer span.End()

	anchors := []Anchor{}
	sel.Each(func(_ int, item *goquery.Selection) {
		href := Href(item)
		if href == "" {
			// the selector may target a wrapper around the link
			href = Href(item.Find("a[href]").First())
		}
		if href == "" {
			return
		}

		link, err := rules.ResolveURL(pageUrl, href)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "got error while parsing url")
			return
		}

		name := CleanInline(SelectionText(item))
		anchors = append(anchors, Anchor{
			Name: name,
			Href: link,
		})
		span.AddEvent("anchor", trace.WithAttributes(
			attribute.String("name", name),
			attribute.String("url", link),
		))
	})

	return anchors
}
