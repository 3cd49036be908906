package propertyset

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// build wraps property bodies in a propertyset envelope.
func build(props ...string) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	b.WriteString(`<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">`)
	for _, p := range props {
		b.WriteString("<e:property>")
		b.WriteString(p)
		b.WriteString("</e:property>")
	}
	b.WriteString("</e:propertyset>")
	return []byte(b.String())
}

func TestParse_ScalarProperty(t *testing.T) {
	update, err := Parse(build("<BinaryState>1</BinaryState>"))
	require.NoError(t, err)
	require.Len(t, update, 1)

	assert.Equal(t, "BinaryState", update[0].Name)
	assert.Equal(t, "1", update[0].Value)
	assert.False(t, update[0].IsAttributeList())
}

func TestParse_PreservesOrderAndDuplicates(t *testing.T) {
	update, err := Parse(build(
		"<BinaryState>1</BinaryState>",
		"<InsightParams>8|1611105078|0|0</InsightParams>",
		"<BinaryState>0</BinaryState>",
		"<SomethingNew>x</SomethingNew>",
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"BinaryState", "InsightParams", "BinaryState", "SomethingNew"}, update.Names())
	assert.Equal(t, "0", update[2].Value)
}

func TestParse_RawValueNotTrimmed(t *testing.T) {
	update, err := Parse(build("<Label>  hello &amp; bye \n</Label>"))
	require.NoError(t, err)
	require.Len(t, update, 1)
	assert.Equal(t, "  hello & bye \n", update[0].Value)
}

func TestParse_EmptyValue(t *testing.T) {
	update, err := Parse(build("<BinaryState/>", "<Other></Other>"))
	require.NoError(t, err)
	require.Len(t, update, 2)
	assert.Equal(t, "", update[0].Value)
	assert.Equal(t, "", update[1].Value)
}

func TestParse_EmptyPropertyset(t *testing.T) {
	update, err := Parse(build())
	require.NoError(t, err)
	assert.NotNil(t, update)
	assert.Empty(t, update)
}

func TestParse_EscapedAttributeList(t *testing.T) {
	inner := "&lt;attribute&gt;&lt;name&gt;Switch&lt;/name&gt;&lt;value&gt;1&lt;/value&gt;&lt;/attribute&gt;" +
		"&lt;attribute&gt;&lt;name&gt;Sensor&lt;/name&gt;&lt;value&gt;0&lt;/value&gt;&lt;/attribute&gt;"
	update, err := Parse(build("<attributeList>" + inner + "</attributeList>"))
	require.NoError(t, err)
	require.Len(t, update, 1)

	p := update[0]
	assert.Equal(t, AttributeListName, p.Name)
	assert.True(t, p.IsAttributeList())
	assert.Equal(t, []Attribute{
		{Name: "Switch", Value: "1"},
		{Name: "Sensor", Value: "0"},
	}, p.Attributes)
}

func TestParse_ElementFormAttributeList(t *testing.T) {
	update, err := Parse(build(
		"<attributeList>" +
			"<attribute><name>Brewed</name><value>1</value></attribute>" +
			"<attribute><name>Mode</name></attribute>" +
			"<attribute><value>orphan</value></attribute>" +
			"</attributeList>",
	))
	require.NoError(t, err)
	require.Len(t, update, 1)

	assert.Equal(t, []Attribute{
		{Name: "Brewed", Value: "1"},
		{Name: "Mode", Value: ""},
	}, update[0].Attributes)
}

func TestParse_EmptyAttributeList(t *testing.T) {
	for _, body := range []string{"<attributeList/>", "<attributeList></attributeList>", "<attributeList>  \n </attributeList>"} {
		t.Run(body, func(t *testing.T) {
			update, err := Parse(build(body))
			require.NoError(t, err)
			require.Len(t, update, 1)

			assert.NotNil(t, update[0].Attributes)
			assert.Empty(t, update[0].Attributes)
			assert.True(t, update[0].IsAttributeList())
		})
	}
}

func TestParse_DegradedAttributeList(t *testing.T) {
	tests := []struct {
		name string
		body string
		raw  string
	}{
		{"lone angle bracket", "<attributeList>&lt;</attributeList>", "<"},
		{"unclosed element", "<attributeList>&lt;attribute&gt;</attributeList>", "<attribute>"},
		{"wrapper escape", "<attributeList>&lt;/attributeList&gt;&lt;attributeList&gt;</attributeList>", "</attributeList><attributeList>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			update, err := Parse(build(tt.body, "<BinaryState>1</BinaryState>"))
			require.NoError(t, err)
			require.Len(t, update, 2)

			assert.Nil(t, update[0].Attributes)
			assert.False(t, update[0].IsAttributeList())
			assert.Equal(t, tt.raw, update[0].Value)
			assert.Equal(t, "1", update[1].Value)
		})
	}
}

func TestParse_SkipsForeignRootChildren(t *testing.T) {
	data := []byte(`<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">` +
		`<property><Ignored>1</Ignored></property>` +
		`<e:property><Kept>2</Kept></e:property>` +
		`</e:propertyset>`)

	update, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"Kept"}, update.Names())
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"lone angle bracket", "<"},
		{"plain text", "BinaryState=1"},
		{"wrong root", `<e:other xmlns:e="urn:schemas-upnp-org:event-1-0"/>`},
		{"root without namespace", `<propertyset><property><A>1</A></property></propertyset>`},
		{"wrong namespace", `<e:propertyset xmlns:e="urn:example"/>`},
		{"unterminated", `<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0"><e:property><A>1</A>`},
		{"second root", `<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0"/><x/>`},
		{"trailing text", `<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0"/>junk`},
		{"mismatched tags", `<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0"><e:property><A>1</B></e:property></e:propertyset>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			update, err := Parse([]byte(tt.data))
			require.Error(t, err)
			assert.Nil(t, update)

			var perr *ParseError
			require.True(t, errors.As(err, &perr))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestParse_DepthLimit(t *testing.T) {
	deep := strings.Repeat("<a>", maxDepth+1) + strings.Repeat("</a>", maxDepth+1)
	_, err := Parse(build(deep))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)

	shallow := strings.Repeat("<a>", 4) + "x" + strings.Repeat("</a>", 4)
	_, err = Parse(build(shallow))
	assert.NoError(t, err)
}

func TestParseError_DoesNotEchoPayload(t *testing.T) {
	secret := "supersecretpayloadvalue"
	_, err := Parse([]byte("<" + secret))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), secret)
}

func TestParse_Deterministic(t *testing.T) {
	data := build(
		"<BinaryState>1</BinaryState>",
		"<attributeList>&lt;attribute&gt;&lt;name&gt;Mode&lt;/name&gt;&lt;value&gt;4&lt;/value&gt;&lt;/attribute&gt;</attributeList>",
		"<attributeList>&lt;</attributeList>",
	)

	first, err := Parse(data)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Parse(data)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func FuzzParse(f *testing.F) {
	f.Add(build("<BinaryState>1</BinaryState>"))
	f.Add(build("<StatusChange>1</StatusChange>"))
	f.Add(build("<attributeList></attributeList>"))
	f.Add(build("<attributeList>&lt;</attributeList>"))
	f.Add(build("<InsightParams>1</InsightParams>"))
	f.Add([]byte("<"))
	f.Add([]byte(""))

	f.Fuzz(func(t *testing.T, data []byte) {
		first, err := Parse(data)
		if err != nil {
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("error is not a ParseError: %T", err)
			}
			return
		}

		again, err := Parse(data)
		if err != nil {
			t.Fatalf("second parse failed: %v", err)
		}
		if fmt.Sprint(first) != fmt.Sprint(again) {
			t.Fatalf("parse not deterministic")
		}
		for _, p := range first {
			if p.Name == "" {
				t.Fatalf("property with empty name")
			}
		}
	})
}
