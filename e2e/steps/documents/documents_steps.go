package documents

import (
	"context"
	"fmt"

	"github.com/cucumber/godog"
)

// TestContext is the subset of the scenario context document steps use.
type TestContext interface {
	Upload(category, filename string, data []byte) error
	GET(path string) error
	DELETE(path string) error
	POST(path string, body any) error
	ResponseField(field string) (any, error)
	RememberDocument(label, documentID string)
	Document(label string) (string, error)
}

func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &documentSteps{tc: tc}

	ctx.Step(`^I upload a "([^"]*)" PDF saved as "([^"]*)"$`, steps.uploadPDF)
	ctx.Step(`^I upload a "([^"]*)" image saved as "([^"]*)"$`, steps.uploadImage)
	ctx.Step(`^I upload the EICAR test file as "([^"]*)"$`, steps.uploadEICAR)
	ctx.Step(`^I upload a PDF named "([^"]*)" as "([^"]*)"$`, steps.uploadNamed)
	ctx.Step(`^I fetch document "([^"]*)"$`, steps.fetch)
	ctx.Step(`^I download document "([^"]*)"$`, steps.download)
	ctx.Step(`^I delete document "([^"]*)"$`, steps.delete)
	ctx.Step(`^I rescan document "([^"]*)"$`, steps.rescan)
	ctx.Step(`^I list my documents$`, steps.list)
}

type documentSteps struct {
	tc TestContext
}

func (s *documentSteps) uploadPDF(_ context.Context, category, label string) error {
	return s.upload(category, label+".pdf", pdf("Statement for "+label), label)
}

func (s *documentSteps) uploadImage(_ context.Context, category, label string) error {
	return s.upload(category, label+".png", pngImage(800, 800), label)
}

func (s *documentSteps) uploadEICAR(_ context.Context, category string) error {
	return s.tc.Upload(category, "eicar.pdf", []byte(eicar))
}

func (s *documentSteps) uploadNamed(_ context.Context, filename, category string) error {
	return s.tc.Upload(category, filename, pdf("renamed"))
}

func (s *documentSteps) upload(category, filename string, data []byte, label string) error {
	if err := s.tc.Upload(category, filename, data); err != nil {
		return err
	}
	documentID, err := s.tc.ResponseField("document_id")
	if err != nil {
		return err
	}
	sid, ok := documentID.(string)
	if !ok || sid == "" {
		return fmt.Errorf("upload of %s returned no document id", filename)
	}
	s.tc.RememberDocument(label, sid)
	return nil
}

func (s *documentSteps) fetch(_ context.Context, label string) error {
	documentID, err := s.tc.Document(label)
	if err != nil {
		return err
	}
	return s.tc.GET("/documents/" + documentID)
}

func (s *documentSteps) download(_ context.Context, label string) error {
	documentID, err := s.tc.Document(label)
	if err != nil {
		return err
	}
	return s.tc.GET("/documents/" + documentID + "/content")
}

func (s *documentSteps) delete(_ context.Context, label string) error {
	documentID, err := s.tc.Document(label)
	if err != nil {
		return err
	}
	return s.tc.DELETE("/documents/" + documentID)
}

func (s *documentSteps) rescan(_ context.Context, label string) error {
	documentID, err := s.tc.Document(label)
	if err != nil {
		return err
	}
	return s.tc.POST("/admin/documents/"+documentID+"/rescan", nil)
}

func (s *documentSteps) list(_ context.Context) error {
	return s.tc.GET("/documents")
}
