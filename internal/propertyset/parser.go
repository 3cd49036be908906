package propertyset

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

const (
	// Namespace is the GENA event namespace of the propertyset and property elements.
	Namespace = "urn:schemas-upnp-org:event-1-0"

	// AttributeListName is the property whose value is a nested attribute list.
	AttributeListName = "attributeList"

	// maxDepth bounds element nesting so hostile payloads cannot build
	// arbitrarily deep trees.
	maxDepth = 32
)

// Attribute is one name/value pair of an attribute-list property.
type Attribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Property is a single changed variable from a NOTIFY payload.
type Property struct {
	// Name is the local name of the element inside <property>.
	Name string `json:"name"`

	// Value is the raw character data of the element. Numeric and boolean
	// interpretation is left to the consumer.
	Value string `json:"value"`

	// Attributes is non-nil only for attribute-list properties whose content
	// parsed; it is empty (not nil) for an empty list.
	Attributes []Attribute `json:"attributes,omitempty"`
}

// IsAttributeList reports whether the property carries a parsed attribute list.
func (p Property) IsAttributeList() bool {
	return p.Attributes != nil
}

// Update is the ordered sequence of properties from one payload.
type Update []Property

// Names returns the property names in payload order.
func (u Update) Names() []string {
	names := make([]string, len(u))
	for i, p := range u {
		names[i] = p.Name
	}
	return names
}

// node is a minimal element tree used while decoding a property.
type node struct {
	name     xml.Name
	text     []byte // character data before the first child element
	children []*node
}

// Parse decodes a propertyset document.
//
// Parameters:
//   - data: Raw NOTIFY request body
//
// Returns:
//   - Update: Properties in document order (empty, not nil, for an empty set)
//   - error: *ParseError if the document is not well formed or has the wrong root
func Parse(data []byte) (Update, error) {
	dec := newDecoder(bytes.NewReader(data))

	root, err := nextStart(dec)
	if err != nil {
		return nil, newParseError(dec, "missing root element", err)
	}
	if root.Name.Space != Namespace || root.Name.Local != "propertyset" {
		return nil, newParseError(dec, "unexpected root element", nil)
	}

	update := Update{}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, newParseError(dec, "reading propertyset", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space == Namespace && t.Name.Local == "property" {
				props, propErr := readProperty(dec)
				if propErr != nil {
					return nil, propErr
				}
				update = append(update, props...)
				continue
			}
			if err := dec.Skip(); err != nil {
				return nil, newParseError(dec, "skipping element", err)
			}
		case xml.EndElement:
			if err := expectEOF(dec); err != nil {
				return nil, newParseError(dec, "content after root element", err)
			}
			return update, nil
		}
	}
}

// readProperty consumes the children of a <property> element.
func readProperty(dec *xml.Decoder) ([]Property, error) {
	var props []Property
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, newParseError(dec, "reading property", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n, err := readElement(dec, t, 2)
			if err != nil {
				return nil, newParseError(dec, "reading property value", err)
			}
			props = append(props, toProperty(n))
		case xml.EndElement:
			return props, nil
		}
	}
}

// readElement builds a node for start and everything up to its end tag.
func readElement(dec *xml.Decoder, start xml.StartElement, depth int) (*node, error) {
	if depth > maxDepth {
		return nil, errors.New("nesting too deep")
	}

	n := &node{name: start.Name}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.CharData:
			if len(n.children) == 0 {
				n.text = append(n.text, t...)
			}
		case xml.StartElement:
			child, err := readElement(dec, t, depth+1)
			if err != nil {
				return nil, err
			}
			n.children = append(n.children, child)
		case xml.EndElement:
			return n, nil
		}
	}
}

func toProperty(n *node) Property {
	p := Property{
		Name:  n.name.Local,
		Value: string(n.text),
	}
	if n.name.Local == AttributeListName {
		p.Attributes = attributesOf(n)
	}
	return p
}

// attributesOf extracts the attribute list of an attributeList element.
// Devices send the list either as child elements or as escaped XML text.
// A nil result means the text could not be parsed and the raw value stands.
func attributesOf(n *node) []Attribute {
	if len(n.children) > 0 {
		return collectAttributes(n.children)
	}

	text := string(n.text)
	if strings.TrimSpace(text) == "" {
		return []Attribute{}
	}

	dec := newDecoder(strings.NewReader("<" + AttributeListName + ">" + text + "</" + AttributeListName + ">"))
	start, err := nextStart(dec)
	if err != nil {
		return nil
	}
	root, err := readElement(dec, start, 1)
	if err != nil {
		return nil
	}
	if err := expectEOF(dec); err != nil {
		return nil
	}
	return collectAttributes(root.children)
}

// collectAttributes reads <attribute><name/><value/></attribute> children.
// Attributes without a name are skipped; a missing value reads as empty.
func collectAttributes(children []*node) []Attribute {
	attrs := make([]Attribute, 0, len(children))
	for _, c := range children {
		if c.name.Local != "attribute" {
			continue
		}

		var attr Attribute
		hasName := false
		for _, field := range c.children {
			switch field.name.Local {
			case "name":
				attr.Name = string(field.text)
				hasName = true
			case "value":
				attr.Value = string(field.text)
			}
		}
		if !hasName {
			continue
		}
		attrs = append(attrs, attr)
	}
	return attrs
}

func newDecoder(r io.Reader) *xml.Decoder {
	dec := xml.NewDecoder(r)
	dec.Strict = true
	return dec
}

// nextStart returns the first start element, rejecting stray text before it.
func nextStart(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			return t, nil
		case xml.CharData:
			if len(bytes.TrimSpace(t)) > 0 {
				return xml.StartElement{}, errors.New("text before root element")
			}
		}
	}
}

// expectEOF verifies nothing but whitespace, comments or processing
// instructions follow the root element.
func expectEOF(dec *xml.Decoder) error {
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			return errors.New("second root element")
		case xml.CharData:
			if len(bytes.TrimSpace(t)) > 0 {
				return errors.New("text after root element")
			}
		}
	}
}

func newParseError(dec *xml.Decoder, reason string, err error) *ParseError {
	return &ParseError{
		Offset: dec.InputOffset(),
		Reason: reason,
		Err:    err,
	}
}
