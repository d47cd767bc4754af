package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pdferrors "github.com/a3tai/mcp-pdf-fields/internal/errors"
)

const invoiceYAML = `
id: invoice
name: Supplier invoice
fields:
  invoice_number:
    locations:
      - page: 1
        bbox: {x0: 400, y0: 80, x1: 500, y1: 92}
        context:
          label: "Invoice No:"
          label_bbox: {x0: 330, y0: 80, x1: 395, y1: 92}
          next_field_y: 110
          typical_value_length: 9
    validation_rules:
      pattern: '([A-Z]{2}-\d+)'
  customer_name:
    locations:
      - page: 1
        bbox: {x0: 100, y0: 150, x1: 300, y1: 162}
        context:
          label: "Customer:"
          words_before: [bill, to]
      - page: 2
        bbox: {x0: 100, y0: 50, x1: 300, y1: 62}
    rules:
      learned_patterns:
        - pattern: '([A-Z][a-z]+ [A-Z][a-z]+)'
          priority: 10
          frequency: 4
  notes: {}
`

func TestParsePreservesFieldOrder(t *testing.T) {
	tmpl, err := Parse([]byte(invoiceYAML), "ignored")
	require.NoError(t, err)

	assert.Equal(t, "invoice", tmpl.ID)
	assert.Equal(t, "Supplier invoice", tmpl.Name)
	require.Len(t, tmpl.Fields, 3)
	assert.Equal(t, "invoice_number", tmpl.Fields[0].Name)
	assert.Equal(t, "customer_name", tmpl.Fields[1].Name)
	assert.Equal(t, "notes", tmpl.Fields[2].Name)

	inv := tmpl.Fields[0]
	require.Len(t, inv.Locations, 1)
	ctx := inv.Locations[0].Context
	assert.Equal(t, "Invoice No:", ctx.Label)
	require.NotNil(t, ctx.LabelBBox)
	assert.Equal(t, 395.0, ctx.LabelBBox.X1)
	require.NotNil(t, ctx.NextFieldY)
	assert.Equal(t, 110.0, *ctx.NextFieldY)
	assert.Nil(t, ctx.NextFieldX)
	assert.Equal(t, 9, ctx.TypicalValueLength)
	assert.Equal(t, `([A-Z]{2}-\d+)`, inv.ValidationRules.Pattern)

	cust := tmpl.Fields[1]
	assert.Len(t, cust.Locations, 2)
	assert.Equal(t, []string{"bill", "to"}, cust.Locations[0].Context.WordsBefore)
	require.Len(t, cust.Rules.LearnedPatterns, 1)
	assert.Equal(t, 10, cust.Rules.LearnedPatterns[0].Priority)

	assert.Empty(t, tmpl.Fields[2].Locations)
}

func TestParseJSON(t *testing.T) {
	doc := `{"name": "Receipt", "fields": {"total": {"locations": [{"page": 1, "bbox": {"x0": 1, "y0": 2, "x1": 3, "y1": 4}}]}}}`
	tmpl, err := Parse([]byte(doc), "receipt")
	require.NoError(t, err)
	assert.Equal(t, "receipt", tmpl.ID)
	require.Len(t, tmpl.Fields, 1)
	assert.Equal(t, 4.0, tmpl.Fields[0].Locations[0].BBox.Y1)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "fields: [unterminated"},
		{"fields as list", "id: x\nfields: [a, b]"},
		{"duplicate field", "id: x\nfields:\n  a: {}\n  a: {}"},
		{"no id", "fields: {}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), "")
			require.Error(t, err)
			assert.Equal(t, pdferrors.ErrorTypeMalformedConfig, pdferrors.TypeOf(err))
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	tmpl, err := Parse([]byte(invoiceYAML), "")
	require.NoError(t, err)
	data, err := Marshal(tmpl)
	require.NoError(t, err)

	again, err := Parse(data, "")
	require.NoError(t, err)
	assert.Equal(t, tmpl, again)
}

func TestRegistryLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "invoice.yaml"), []byte(invoiceYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "receipt.yml"), []byte("fields:\n  total: {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# templates"), 0o644))

	r := NewRegistry(nil)
	n, err := r.LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "invoice", list[0].ID)
	assert.Equal(t, "receipt", list[1].ID)

	_, ok := r.Get("receipt")
	assert.True(t, ok)
	_, ok = r.Get("broken")
	assert.False(t, ok)

	_, err = r.LoadDir(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
