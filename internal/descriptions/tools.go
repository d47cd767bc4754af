package descriptions

import "sort"

// Tool descriptions with practical examples and workflows

const (
	PDFExtractFieldsDescription = `Extract the fields of a known document template from a PDF.

**When to use:** The PDF follows a layout you have a template for (an intake form, a supplier invoice, a tax form) and you need its field values as structured data.

**How it works:** Every field is located with three strategies: label and context rules, the template's bounding boxes, and a sequence model trained from your corrections. Their answers are combined using each strategy's track record on that field. Fields that appear at several locations are compared and disagreements are reported as conflicts.

**Response:** JSON with extracted_data, confidence_scores, extraction_methods, conflicts and per-field strategy details. Every template field is present; a field that could not be found has an empty value and confidence 0.

**Examples:**
• "Extract the intake fields from scans/patient-0042.pdf"
• "Run the invoice template over inbox/acme-2024-118.pdf"

**Common workflows:**
1. Extract → review low-confidence fields and conflicts → pdf_submit_corrections
2. pdf_list_templates → pick template → pdf_extract_fields

**Best practices:** Fields with requires_validation set in a conflict should be confirmed by a person before use.`

	PDFSubmitCorrectionsDescription = `Submit corrected field values for a document so future extractions improve.

**When to use:** After pdf_extract_fields returned a wrong or missing value and you know the right one.

**How it works:** Corrections are scored against the last extraction of the same document. Strategy accuracy is updated, value patterns and noise (currency symbols, trailing punctuation) are mined from the corrected values, the corrected text is located in the document to build training examples, and the sequence model is retrained. Uncorrected fields that were extracted confidently count as confirmed.

**Parameters:** corrections is a JSON object mapping field names to their correct values, e.g. {"name": "John Doe", "total": "1,250.00"}.

**Response:** JSON learning report: corrected and implicitly confirmed fields, updated strategy accuracy, learned patterns, noise profiles, training metrics and the new model version. Warnings list fields whose value could not be found in the document.

**Best practices:** Submit the value exactly as printed on the page; values that do not appear in the document cannot train the sequence model.`

	PDFListTemplatesDescription = `List the document templates available for extraction.

**When to use:** Before extracting, to find the template id that matches a document.

**Response:** JSON array with each template's id, name, field names and complexity. Templates with many fields (complexity at or above 0.85) skip bounding-box extraction.`

	PDFFieldStatsDescription = `Show what the server has learned about a template.

**When to use:** To check how reliable each field is, or to see the effect of corrections.

**Response:** JSON with the template's strategy weights, the current model version and, per field: accuracy of each strategy, learned patterns, the noise profile, the number of training examples and whether the sequence model knows the field.`
)

// ToolDescriptions maps tool names to their descriptions
var ToolDescriptions = map[string]string{
	"pdf_extract_fields":     PDFExtractFieldsDescription,
	"pdf_submit_corrections": PDFSubmitCorrectionsDescription,
	"pdf_list_templates":     PDFListTemplatesDescription,
	"pdf_field_stats":        PDFFieldStatsDescription,
}

// GetToolDescription returns the description for a tool
func GetToolDescription(toolName string) string {
	if desc, exists := ToolDescriptions[toolName]; exists {
		return desc
	}
	return "Tool description not available"
}

// GetAllToolNames returns the tool names in alphabetical order
func GetAllToolNames() []string {
	names := make([]string, 0, len(ToolDescriptions))
	for name := range ToolDescriptions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
