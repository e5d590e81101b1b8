package vision

import "context"

// Capability is the black-box vision interface the design calls out: "the
// vision model implementations themselves (treated as a black-box
// capability returning description, tag list, and OCR text for an image
// path)". AI workers (§4.9) depend on this interface, never on Service
// directly, so repair/test code can swap in MockCapability.
type Capability interface {
	Analyze(ctx context.Context, imageBytes []byte, mimeType string) (Result, error)
}

var _ Capability = (*Service)(nil)

// MockCapability is a scripted stand-in for Service whose default
// response matches the end-to-end scenario in the design ("mock returns
// 'A placeholder description.'"). It never calls out to a model. No test
// in this repository uses it.
type MockCapability struct {
	Description string
	Tags        []string
	OCRText     string
	ModelName   string
	Version     string
	Err         error
}

// NewMockCapability returns a MockCapability preloaded with the design
// scenario 1's fixture response.
func NewMockCapability() *MockCapability {
	return &MockCapability{
		Description: "A placeholder description.",
		Tags:        []string{"placeholder"},
		ModelName:   "mock-vision",
		Version:     "test",
	}
}

func (m *MockCapability) Analyze(ctx context.Context, imageBytes []byte, mimeType string) (Result, error) {
	if m.Err != nil {
		return Result{}, m.Err
	}
	return Result{
		Description:  m.Description,
		Tags:         m.Tags,
		OCRText:      m.OCRText,
		ModelName:    m.ModelName,
		ModelVersion: m.Version,
	}, nil
}
