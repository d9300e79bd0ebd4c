package sip

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowpbx/flowpbx/internal/database/models"
)

// mockExtensionRepoRoute is a minimal database.ExtensionRepository stub;
// RouteInternalCall only ever consults ic.TargetExtension directly, so the
// repo itself is unused but required to satisfy the constructor signature.
type mockExtensionRepoRoute struct{}

func (m *mockExtensionRepoRoute) Create(context.Context, *models.Extension) error { return nil }
func (m *mockExtensionRepoRoute) List(context.Context) ([]models.Extension, error) {
	return nil, nil
}
func (m *mockExtensionRepoRoute) Update(context.Context, *models.Extension) error { return nil }
func (m *mockExtensionRepoRoute) Delete(context.Context, int64) error             { return nil }
func (m *mockExtensionRepoRoute) GetByExtension(context.Context, string) (*models.Extension, error) {
	return nil, nil
}
func (m *mockExtensionRepoRoute) GetBySIPUsername(context.Context, string) (*models.Extension, error) {
	return nil, nil
}
func (m *mockExtensionRepoRoute) GetByID(context.Context, int64) (*models.Extension, error) {
	return nil, nil
}

// mockRegistrationRepoRoute returns a fixed set of registrations for any
// extension ID.
type mockRegistrationRepoRoute struct {
	regs []models.Registration
}

func (m *mockRegistrationRepoRoute) Create(context.Context, *models.Registration) error { return nil }
func (m *mockRegistrationRepoRoute) GetByExtensionID(context.Context, int64) ([]models.Registration, error) {
	return m.regs, nil
}
func (m *mockRegistrationRepoRoute) DeleteByID(context.Context, int64) error { return nil }
func (m *mockRegistrationRepoRoute) DeleteExpired(context.Context) (int64, error) {
	return 0, nil
}
func (m *mockRegistrationRepoRoute) DeleteAll(context.Context) (int64, error) { return 0, nil }
func (m *mockRegistrationRepoRoute) DeleteByExtensionAndContact(context.Context, int64, string) error {
	return nil
}
func (m *mockRegistrationRepoRoute) CountByExtensionID(context.Context, int64) (int64, error) {
	return int64(len(m.regs)), nil
}
func (m *mockRegistrationRepoRoute) Count(context.Context) (int64, error) {
	return int64(len(m.regs)), nil
}

func twoActiveRegistrations() []models.Registration {
	future := time.Now().Add(time.Hour)
	extID := int64(42)
	return []models.Registration{
		{ID: 1, ExtensionID: &extID, ContactURI: "sip:device1@10.0.0.1", Expires: future},
		{ID: 2, ExtensionID: &extID, ContactURI: "sip:device2@10.0.0.2", Expires: future},
	}
}

func TestRouteInternalCallRejectsDND(t *testing.T) {
	ext := &models.Extension{ID: 42, Extension: "1002", DND: true}
	router := NewCallRouter(&mockExtensionRepoRoute{}, &mockRegistrationRepoRoute{regs: twoActiveRegistrations()}, NewDialogManager(testLogger()), testLogger())

	_, err := router.RouteInternalCall(context.Background(), &InviteContext{TargetExtension: ext})
	if !errors.Is(err, ErrDND) {
		t.Fatalf("err = %v, want ErrDND", err)
	}
}

func TestRouteInternalCallRejectsNoRegistrations(t *testing.T) {
	ext := &models.Extension{ID: 42, Extension: "1002"}
	router := NewCallRouter(&mockExtensionRepoRoute{}, &mockRegistrationRepoRoute{}, NewDialogManager(testLogger()), testLogger())

	_, err := router.RouteInternalCall(context.Background(), &InviteContext{TargetExtension: ext})
	if !errors.Is(err, ErrNoRegistrations) {
		t.Fatalf("err = %v, want ErrNoRegistrations", err)
	}
}

func TestRouteInternalCallAllowsCallWhenDevicesFree(t *testing.T) {
	ext := &models.Extension{ID: 42, Extension: "1002"}
	router := NewCallRouter(&mockExtensionRepoRoute{}, &mockRegistrationRepoRoute{regs: twoActiveRegistrations()}, NewDialogManager(testLogger()), testLogger())

	route, err := router.RouteInternalCall(context.Background(), &InviteContext{TargetExtension: ext})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(route.Contacts) != 2 {
		t.Errorf("Contacts = %d, want 2", len(route.Contacts))
	}
}

func TestRouteInternalCallRejectsAllBusy(t *testing.T) {
	ext := &models.Extension{ID: 42, Extension: "1002"}
	dm := NewDialogManager(testLogger())
	// Saturate both of the extension's two devices with active calls.
	dm.CreateDialog(&Dialog{CallID: "c1", CallerIDNum: "1001", CalledNum: "1002", Callee: CallLeg{Extension: ext}})
	dm.CreateDialog(&Dialog{CallID: "c2", CallerIDNum: "1003", CalledNum: "1002", Callee: CallLeg{Extension: ext}})

	router := NewCallRouter(&mockExtensionRepoRoute{}, &mockRegistrationRepoRoute{regs: twoActiveRegistrations()}, dm, testLogger())

	_, err := router.RouteInternalCall(context.Background(), &InviteContext{TargetExtension: ext})
	if !errors.Is(err, ErrAllBusy) {
		t.Fatalf("err = %v, want ErrAllBusy", err)
	}
}

func TestRouteInternalCallMissingTargetExtension(t *testing.T) {
	router := NewCallRouter(&mockExtensionRepoRoute{}, &mockRegistrationRepoRoute{}, NewDialogManager(testLogger()), testLogger())

	_, err := router.RouteInternalCall(context.Background(), &InviteContext{})
	if !errors.Is(err, ErrExtensionNotFound) {
		t.Fatalf("err = %v, want ErrExtensionNotFound", err)
	}
}
