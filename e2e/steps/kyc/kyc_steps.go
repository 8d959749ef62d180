package kyc

import (
	"context"
	"fmt"

	"github.com/cucumber/godog"
)

type TestContext interface {
	GET(path string) error
	POST(path string, body any) error
	ActorID(name string) (string, error)
	CurrentActorID() string
	ResponseField(field string) (any, error)
}

func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &kycSteps{tc: tc}

	ctx.Step(`^I check my KYC status as "([^"]*)"$`, steps.myStatus)
	ctx.Step(`^I check the KYC status of "([^"]*)" as "([^"]*)"$`, steps.statusOf)
	ctx.Step(`^I submit my KYC as "([^"]*)"$`, steps.submit)
	ctx.Step(`^I list pending reviews$`, steps.pending)
	ctx.Step(`^I approve the KYC of "([^"]*)" with notes "([^"]*)"$`, steps.approve)
	ctx.Step(`^I reject the KYC of "([^"]*)" with reason "([^"]*)"$`, steps.reject)
	ctx.Step(`^the KYC status should be "([^"]*)"$`, steps.statusShouldBe)
	ctx.Step(`^the pending queue should include "([^"]*)"$`, steps.pendingIncludes)
}

type kycSteps struct {
	tc TestContext
}

func (s *kycSteps) myStatus(_ context.Context, role string) error {
	return s.tc.GET(fmt.Sprintf("/kyc/%s/status?role=%s", s.tc.CurrentActorID(), role))
}

func (s *kycSteps) statusOf(_ context.Context, actor, role string) error {
	userID, err := s.tc.ActorID(actor)
	if err != nil {
		return err
	}
	return s.tc.GET(fmt.Sprintf("/kyc/%s/status?role=%s", userID, role))
}

func (s *kycSteps) submit(_ context.Context, role string) error {
	return s.tc.POST(fmt.Sprintf("/kyc/%s/submit", s.tc.CurrentActorID()), map[string]string{"role": role})
}

func (s *kycSteps) pending(_ context.Context) error {
	return s.tc.GET("/admin/kyc/pending")
}

func (s *kycSteps) approve(_ context.Context, actor, notes string) error {
	userID, err := s.tc.ActorID(actor)
	if err != nil {
		return err
	}
	return s.tc.POST("/admin/kyc/"+userID+"/approve", map[string]string{"notes": notes})
}

func (s *kycSteps) reject(_ context.Context, actor, reason string) error {
	userID, err := s.tc.ActorID(actor)
	if err != nil {
		return err
	}
	return s.tc.POST("/admin/kyc/"+userID+"/reject", map[string]string{"reason": reason})
}

func (s *kycSteps) statusShouldBe(_ context.Context, expected string) error {
	status, err := s.tc.ResponseField("status")
	if err != nil {
		return err
	}
	if status != expected {
		return fmt.Errorf("expected KYC status %s, got %v", expected, status)
	}
	return nil
}

func (s *kycSteps) pendingIncludes(_ context.Context, actor string) error {
	userID, err := s.tc.ActorID(actor)
	if err != nil {
		return err
	}
	users, err := s.tc.ResponseField("users")
	if err != nil {
		return err
	}
	list, ok := users.([]any)
	if !ok {
		return fmt.Errorf("pending users is %T, want a list", users)
	}
	for _, u := range list {
		if entry, ok := u.(map[string]any); ok && entry["user_id"] == userID {
			return nil
		}
	}
	return fmt.Errorf("user %s not in pending queue", actor)
}
