package locator

// Snapshot is the categorized, selector-annotated view of a rendered page
type Snapshot struct {
	Inputs     []Element `json:"inputs"`
	Buttons    []Element `json:"buttons"`
	Links      []Element `json:"links"`
	Images     []Element `json:"images"`
	Labels     []Element `json:"labels"`
	Selects    []Element `json:"selects"`
	Products   []Product `json:"products"`
	Clickables []Element `json:"clickables"`
}

// Element represents one DOM element with its identity and selectors
type Element struct {
	Tag         string   `json:"tag"`
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name,omitempty"`
	Class       string   `json:"class,omitempty"`
	Text        string   `json:"text,omitempty"`
	Type        string   `json:"type,omitempty"`
	Placeholder string   `json:"placeholder,omitempty"`
	Value       string   `json:"value,omitempty"`
	Role        string   `json:"role,omitempty"`
	Href        string   `json:"href,omitempty"`
	Src         string   `json:"src,omitempty"`
	Alt         string   `json:"alt,omitempty"`
	AriaLabel   string   `json:"ariaLabel,omitempty"`
	DataTest    string   `json:"dataTest,omitempty"`
	Options     []string `json:"options,omitempty"` // select only
	CSSSelector string   `json:"cssSelector"`
	XPath       *string  `json:"xpath"`
}

// Product is a product-like card grouping (title, price and its action button)
type Product struct {
	Title  string   `json:"title,omitempty"`
	Price  string   `json:"price,omitempty"`
	Button *Element `json:"button,omitempty"`
}

// Count returns the number of categorized elements, excluding clickables
// (which overlap the other categories).
func (s *Snapshot) Count() int {
	if s == nil {
		return 0
	}
	return len(s.Inputs) + len(s.Buttons) + len(s.Links) + len(s.Images) +
		len(s.Labels) + len(s.Selects) + len(s.Products)
}

// InputIDs returns the ids of all inputs that carry one.
func (s *Snapshot) InputIDs() []string {
	if s == nil {
		return nil
	}
	var ids []string
	for _, in := range s.Inputs {
		if in.ID != "" {
			ids = append(ids, in.ID)
		}
	}
	return ids
}
