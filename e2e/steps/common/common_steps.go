package common

import (
	"context"
	"fmt"
	"strings"

	"github.com/cucumber/godog"
)

type TestContext interface {
	ActAs(name, role string) error
	StatusCode() int
	Body() string
	ResponseField(field string) (any, error)
}

func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &commonSteps{tc: tc}

	ctx.Step(`^I am customer "([^"]*)"$`, steps.customer)
	ctx.Step(`^I am reviewer "([^"]*)"$`, steps.reviewer)
	ctx.Step(`^the response status should be (\d+)$`, steps.statusShouldBe)
	ctx.Step(`^the response field "([^"]*)" should be "([^"]*)"$`, steps.fieldShouldBe)
	ctx.Step(`^the response should contain "([^"]*)"$`, steps.bodyContains)
}

type commonSteps struct {
	tc TestContext
}

func (s *commonSteps) customer(_ context.Context, name string) error {
	return s.tc.ActAs(name, "customer")
}

func (s *commonSteps) reviewer(_ context.Context, name string) error {
	return s.tc.ActAs(name, "reviewer")
}

func (s *commonSteps) statusShouldBe(_ context.Context, expected int) error {
	if got := s.tc.StatusCode(); got != expected {
		return fmt.Errorf("expected status %d, got %d: %s", expected, got, s.tc.Body())
	}
	return nil
}

func (s *commonSteps) fieldShouldBe(_ context.Context, field, expected string) error {
	v, err := s.tc.ResponseField(field)
	if err != nil {
		return err
	}
	if got := fmt.Sprint(v); got != expected {
		return fmt.Errorf("expected %s=%s, got %s", field, expected, got)
	}
	return nil
}

func (s *commonSteps) bodyContains(_ context.Context, substr string) error {
	if !strings.Contains(s.tc.Body(), substr) {
		return fmt.Errorf("response does not contain %q: %s", substr, s.tc.Body())
	}
	return nil
}
