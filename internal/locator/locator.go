package locator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// maxTextLen caps element text carried into a snapshot.
const maxTextLen = 100

// cardSelectors find product-like groupings on listing pages.
var cardSelectors = []string{
	"[class*=product]",
	"[class*=inventory]",
	".card",
	".item",
	"[data-test*=item]",
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	cssIdentRe   = regexp.MustCompile(`^-?[A-Za-z_][A-Za-z0-9_-]*$`)
)

// Extract parses rendered page markup into a categorized Snapshot.
func Extract(markup string) (*Snapshot, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse markup: %w", err)
	}

	snap := &Snapshot{}

	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		tag := goquery.NodeName(s)
		info := describe(s)

		switch tag {
		case "input", "textarea":
			snap.Inputs = append(snap.Inputs, info)
		case "button":
			snap.Buttons = append(snap.Buttons, info)
		case "a":
			snap.Links = append(snap.Links, info)
		case "img":
			snap.Images = append(snap.Images, info)
		case "label", "span":
			snap.Labels = append(snap.Labels, info)
		case "select":
			s.Find("option").Each(func(_ int, opt *goquery.Selection) {
				info.Options = append(info.Options, cleanText(opt.Text()))
			})
			snap.Selects = append(snap.Selects, info)
		}

		if IsClickable(s) {
			snap.Clickables = append(snap.Clickables, info)
		}
	})

	seen := make(map[*html.Node]bool)
	for _, sel := range cardSelectors {
		doc.Find(sel).Each(func(_ int, card *goquery.Selection) {
			node := card.Get(0)
			if seen[node] {
				return
			}
			seen[node] = true
			snap.Products = append(snap.Products, describeProduct(card))
		})
	}

	return snap, nil
}

// IsClickable reports whether an element is treated as clickable: button or
// anchor tags, an onclick handler, role=button, tabindex=0, a class name
// containing "click", or a test-id attribute.
func IsClickable(s *goquery.Selection) bool {
	switch goquery.NodeName(s) {
	case "button", "a":
		return true
	}
	if _, ok := s.Attr("onclick"); ok {
		return true
	}
	if role, _ := s.Attr("role"); role == "button" {
		return true
	}
	if tabindex, _ := s.Attr("tabindex"); strings.TrimSpace(tabindex) == "0" {
		return true
	}
	if class, _ := s.Attr("class"); strings.Contains(strings.ToLower(class), "click") {
		return true
	}
	if _, ok := s.Attr("data-test"); ok {
		return true
	}
	if _, ok := s.Attr("data-testid"); ok {
		return true
	}
	return false
}

func describe(s *goquery.Selection) Element {
	attr := func(name string) string {
		v, _ := s.Attr(name)
		return v
	}

	dataTest := attr("data-test")
	if dataTest == "" {
		dataTest = attr("data-testid")
	}
	if dataTest == "" {
		dataTest = attr("data-qa")
	}

	el := Element{
		Tag:         goquery.NodeName(s),
		ID:          attr("id"),
		Name:        attr("name"),
		Class:       strings.TrimSpace(attr("class")),
		Text:        cleanText(s.Text()),
		Type:        attr("type"),
		Placeholder: attr("placeholder"),
		Value:       attr("value"),
		Role:        attr("role"),
		Href:        attr("href"),
		Src:         attr("src"),
		Alt:         attr("alt"),
		AriaLabel:   attr("aria-label"),
		DataTest:    dataTest,
	}
	el.CSSSelector = cssSelector(el)
	el.XPath = xpath(s.Get(0))
	return el
}

func describeProduct(card *goquery.Selection) Product {
	var p Product

	card.Find("h1, h2, h3, span, div").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Children().Length() == 0 {
			if text := cleanText(s.Text()); text != "" {
				p.Title = text
				return false
			}
		}
		return true
	})

	card.Find("span, div").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Children().Length() == 0 && strings.Contains(s.Text(), "$") {
			p.Price = cleanText(s.Text())
			return false
		}
		return true
	})

	if btn := card.Find("button").First(); btn.Length() > 0 {
		el := describe(btn)
		p.Button = &el
	}
	return p
}

// cssSelector builds the most stable selector the element's attributes allow.
func cssSelector(el Element) string {
	if el.ID != "" {
		if cssIdentRe.MatchString(el.ID) {
			return "#" + el.ID
		}
		return fmt.Sprintf(`[id="%s"]`, escapeAttr(el.ID))
	}
	if el.DataTest != "" {
		return fmt.Sprintf(`[data-test="%s"]`, escapeAttr(el.DataTest))
	}
	if el.Name != "" {
		return fmt.Sprintf(`%s[name="%s"]`, el.Tag, escapeAttr(el.Name))
	}
	if el.Class != "" {
		var valid []string
		for _, cls := range strings.Fields(el.Class) {
			if cssIdentRe.MatchString(cls) {
				valid = append(valid, cls)
			}
		}
		if len(valid) > 0 {
			return el.Tag + "." + strings.Join(valid, ".")
		}
	}
	return el.Tag
}

// xpath returns the absolute element path, indexing a step only when the
// parent has more than one child element with the same name.
func xpath(n *html.Node) *string {
	if n == nil || n.Type != html.ElementNode {
		return nil
	}

	var steps []string
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		index, total := 0, 0
		if cur.Parent != nil {
			for sib := cur.Parent.FirstChild; sib != nil; sib = sib.NextSibling {
				if sib.Type == html.ElementNode && sib.Data == cur.Data {
					total++
					if sib == cur {
						index = total
					}
				}
			}
		}
		step := cur.Data
		if total > 1 {
			step = fmt.Sprintf("%s[%d]", cur.Data, index)
		}
		steps = append([]string{step}, steps...)
	}
	if len(steps) == 0 {
		return nil
	}

	path := "/" + strings.Join(steps, "/")
	return &path
}

func cleanText(s string) string {
	s = strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
	if r := []rune(s); len(r) > maxTextLen {
		s = string(r[:maxTextLen])
	}
	return s
}

func escapeAttr(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}
