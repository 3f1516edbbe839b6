package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/kirillkom/hiesync/internal/core/domain"
)

const selfLinkCW123 = "https://cw.test/v1/org/2.16.840.1.113883.3.9621.7/patient/CW123"

type identityFixture struct {
	repo    *patientRepoFake
	client  *networkClientFake
	factory *clientFactoryFake
	capture *captureFake
	usecase *IdentitySyncUseCase
}

func newIdentityFixture(client *networkClientFake) *identityFixture {
	f := &identityFixture{
		repo:    &patientRepoFake{},
		client:  client,
		factory: &clientFactoryFake{client: client},
		capture: &captureFake{},
	}
	f.usecase = NewIdentitySyncUseCase(f.repo, &facilityFake{fc: testFacilityContext()}, f.factory, f.capture)
	return f
}

func TestSyncCreateRegistersPersonAndLinks(t *testing.T) {
	client := &networkClientFake{
		registered: domain.RegisteredPatient{ID: "CW123", SelfLink: selfLinkCW123},
		enrolled:   domain.RemotePerson{ID: "P1", Enrolled: true},
		networkLinks: []domain.NetworkLink{
			{PatientRef: "remote-a", Trust: domain.TrustLevel1, UpgradeRef: "https://cw.test/upgrade/a"},
			{PatientRef: "remote-b", Trust: domain.TrustLevel2, UpgradeRef: "https://cw.test/upgrade/b"},
			{PatientRef: "remote-c", Trust: domain.TrustLevel1},
		},
	}
	f := newIdentityFixture(client)
	patient := testPatient(nil)

	if err := f.usecase.Sync(context.Background(), patient, "fac-1", domain.OperationCreate); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if len(f.repo.stored) != 2 {
		t.Fatalf("expected 2 identity writes, got %d", len(f.repo.stored))
	}
	if got := f.repo.stored[0].identity; got.RemotePatientID != "CW123" || got.RemotePersonID != "" {
		t.Fatalf("unexpected first identity write: %+v", got)
	}
	if got := f.repo.stored[1].identity; got.RemotePatientID != "CW123" || got.RemotePersonID != "P1" {
		t.Fatalf("unexpected second identity write: %+v", got)
	}
	if client.called("EnrollPerson") != 1 {
		t.Fatalf("expected person enrollment when no person matched")
	}
	if len(client.linkCalls) != 1 || client.linkCalls[0].personID != "P1" || client.linkCalls[0].selfLink != selfLinkCW123 {
		t.Fatalf("unexpected link calls: %+v", client.linkCalls)
	}
	if len(client.upgraded) != 1 || client.upgraded[0] != "remote-a" {
		t.Fatalf("expected only the LOLA1 link with an upgrade ref to be upgraded, got %v", client.upgraded)
	}
	if status := domain.GetLinkStatus(patient, domain.SourceCommonWell); status != domain.LinkStatusLinked {
		t.Fatalf("expected linked status, got %s", status)
	}
}

func TestSyncCreateReusesFoundPerson(t *testing.T) {
	client := &networkClientFake{
		registered: domain.RegisteredPatient{ID: "CW123", SelfLink: selfLinkCW123},
		persons: []domain.RemotePerson{
			{ID: "P7", Details: domain.RemoteDetails{Identifier: []domain.Identifier{{System: systemSSN, Value: "123456789"}}}},
			{ID: "P8"},
		},
	}
	f := newIdentityFixture(client)

	if err := f.usecase.Sync(context.Background(), testPatient(nil), "fac-1", domain.OperationCreate); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if client.called("EnrollPerson") != 0 {
		t.Fatalf("expected no enrollment when a person was found")
	}
	if len(client.linkCalls) != 1 || client.linkCalls[0].personID != "P7" {
		t.Fatalf("expected link to first candidate, got %+v", client.linkCalls)
	}
	proof := client.linkCalls[0].proof
	if proof == nil || proof.System != systemSSN || proof.Value != "123456789" {
		t.Fatalf("expected shared ssn as proof, got %+v", proof)
	}
}

func TestSyncCreateWithoutSelfLinkKeepsPatientID(t *testing.T) {
	client := &networkClientFake{registered: domain.RegisteredPatient{ID: "CW123"}}
	f := newIdentityFixture(client)
	patient := testPatient(nil)

	err := f.usecase.Sync(context.Background(), patient, "fac-1", domain.OperationCreate)
	if !errors.Is(err, domain.ErrRegistration) {
		t.Fatalf("expected ErrRegistration, got %v", err)
	}
	if len(f.repo.stored) != 1 || f.repo.stored[0].identity.RemotePatientID != "CW123" {
		t.Fatalf("expected the remote patient id to be stored, got %+v", f.repo.stored)
	}
	if client.called("FindPerson") != 0 || client.called("EnrollPerson") != 0 {
		t.Fatalf("expected no person calls without a self link")
	}
	if status := domain.GetLinkStatus(patient, domain.SourceCommonWell); status != domain.LinkStatusNeedsReview {
		t.Fatalf("expected needs-review status, got %s", status)
	}
	if got := f.capture.errorsWithContext(createContext); len(got) != 1 {
		t.Fatalf("expected one captured create error, got %d", len(got))
	}
}

func TestSyncCreateWithoutPatientIDFails(t *testing.T) {
	client := &networkClientFake{registered: domain.RegisteredPatient{SelfLink: selfLinkCW123}}
	f := newIdentityFixture(client)

	err := f.usecase.Sync(context.Background(), testPatient(nil), "fac-1", domain.OperationCreate)
	if !errors.Is(err, domain.ErrRegistration) {
		t.Fatalf("expected ErrRegistration, got %v", err)
	}
	if len(f.repo.stored) != 0 {
		t.Fatalf("expected nothing stored, got %+v", f.repo.stored)
	}
}

func TestSyncUpdateWithoutIdentityCreates(t *testing.T) {
	client := &networkClientFake{
		registered: domain.RegisteredPatient{ID: "CW123", SelfLink: selfLinkCW123},
		enrolled:   domain.RemotePerson{ID: "P1"},
	}
	f := newIdentityFixture(client)

	if err := f.usecase.Sync(context.Background(), testPatient(nil), "fac-1", domain.OperationUpdate); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if !f.capture.warned("Could not find external data on Patient, creating it @ CW") {
		t.Fatalf("expected a missing-identity warning")
	}
	if client.called("UpdatePatient") != 0 || client.called("RegisterPatient") != 1 {
		t.Fatalf("expected create path, calls = %v", client.calls)
	}
}

func TestSyncUpdateLeavesVerifiedLinkAlone(t *testing.T) {
	shared := domain.Identifier{System: systemSSN, Value: "123456789"}
	client := &networkClientFake{
		updated:      domain.RegisteredPatient{ID: "CW123", SelfLink: selfLinkCW123},
		person:       domain.RemotePerson{ID: "P1", Enrolled: true, Details: domain.RemoteDetails{Identifier: []domain.Identifier{shared}}},
		patientLinks: []domain.PatientLink{{PatientRef: selfLinkCW123, Trust: domain.TrustLevel3}},
	}
	f := newIdentityFixture(client)
	patient := testPatient(&domain.NetworkIdentity{RemotePatientID: "CW123", RemotePersonID: "P1"})

	if err := f.usecase.Sync(context.Background(), patient, "fac-1", domain.OperationUpdate); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if client.called("AddOrUpgradePatientLink") != 0 {
		t.Fatalf("expected a verified link to be left alone")
	}
	if client.called("ReenrollPerson") != 0 {
		t.Fatalf("expected no reenrollment for an enrolled person")
	}
	if client.called("ListNetworkLinks") != 1 {
		t.Fatalf("expected network link upgrade pass")
	}
}

func TestSyncUpdateUpgradesLowTrustLink(t *testing.T) {
	shared := domain.Identifier{System: systemSSN, Value: "123456789"}
	client := &networkClientFake{
		updated:      domain.RegisteredPatient{ID: "CW123", SelfLink: selfLinkCW123},
		person:       domain.RemotePerson{ID: "P1", Enrolled: true, Details: domain.RemoteDetails{Identifier: []domain.Identifier{shared}}},
		patientLinks: []domain.PatientLink{{PatientRef: selfLinkCW123, Trust: domain.TrustLevel1}},
	}
	f := newIdentityFixture(client)
	patient := testPatient(&domain.NetworkIdentity{RemotePatientID: "CW123", RemotePersonID: "P1"})

	if err := f.usecase.Sync(context.Background(), patient, "fac-1", domain.OperationUpdate); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(client.linkCalls) != 1 {
		t.Fatalf("expected one link upgrade, got %d", len(client.linkCalls))
	}
	if proof := client.linkCalls[0].proof; proof == nil || !proof.Matches(shared) {
		t.Fatalf("expected the shared identifier as proof, got %+v", proof)
	}
}

func TestSyncUpdateLowTrustWithoutProofIsKept(t *testing.T) {
	client := &networkClientFake{
		updated:      domain.RegisteredPatient{ID: "CW123", SelfLink: selfLinkCW123},
		person:       domain.RemotePerson{ID: "P1", Enrolled: true},
		patientLinks: []domain.PatientLink{{PatientRef: selfLinkCW123, Trust: domain.TrustLevel2}},
	}
	f := newIdentityFixture(client)
	patient := testPatient(&domain.NetworkIdentity{RemotePatientID: "CW123", RemotePersonID: "P1"})

	if err := f.usecase.Sync(context.Background(), patient, "fac-1", domain.OperationUpdate); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if client.called("AddOrUpgradePatientLink") != 0 {
		t.Fatalf("expected existing link kept when there is nothing to prove it with")
	}
}

func TestSyncUpdateReenrollsPerson(t *testing.T) {
	client := &networkClientFake{
		updated:    domain.RegisteredPatient{ID: "CW123", SelfLink: selfLinkCW123},
		person:     domain.RemotePerson{ID: "P1", Enrolled: false},
		reenrolled: domain.RemotePerson{ID: "P1", Enrolled: true},
	}
	f := newIdentityFixture(client)
	patient := testPatient(&domain.NetworkIdentity{RemotePatientID: "CW123", RemotePersonID: "P1"})

	if err := f.usecase.Sync(context.Background(), patient, "fac-1", domain.OperationUpdate); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if client.called("ReenrollPerson") != 1 {
		t.Fatalf("expected reenrollment of an unenrolled person")
	}
	if client.called("AddOrUpgradePatientLink") != 1 {
		t.Fatalf("expected a link to be added when none exists")
	}
}

func TestSyncUpdatePersonNotFoundFallsBack(t *testing.T) {
	client := &networkClientFake{
		updated: domain.RegisteredPatient{ID: "CW123", SelfLink: selfLinkCW123},
		personErr: &domain.NetworkError{
			Kind:      domain.KindNotFound,
			Operation: "update_person",
			Reference: "ref-404",
			Err:       errors.New("status 404"),
		},
		persons: []domain.RemotePerson{{ID: "P2"}},
	}
	f := newIdentityFixture(client)
	patient := testPatient(&domain.NetworkIdentity{RemotePatientID: "CW123", RemotePersonID: "P1"})

	if err := f.usecase.Sync(context.Background(), patient, "fac-1", domain.OperationUpdate); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if !f.capture.warned("Got 404 when trying to update person @ CW, trying to find/create it") {
		t.Fatalf("expected a person-not-found warning")
	}
	if f.capture.warnings[0].extra["cwReference"] != "ref-404" {
		t.Fatalf("expected network reference in warning, got %v", f.capture.warnings[0].extra)
	}
	if len(f.repo.stored) != 1 || f.repo.stored[0].identity.RemotePersonID != "P2" {
		t.Fatalf("expected the found person to be stored, got %+v", f.repo.stored)
	}
	if client.called("GetPatientLinks") != 0 {
		t.Fatalf("expected the fallback to replace the link upgrade step")
	}
}

func TestSyncUpdatePersonFatalErrorFails(t *testing.T) {
	client := &networkClientFake{
		updated:   domain.RegisteredPatient{ID: "CW123", SelfLink: selfLinkCW123},
		personErr: &domain.NetworkError{Kind: domain.KindFatal, Operation: "update_person", Err: errors.New("status 400")},
	}
	f := newIdentityFixture(client)
	patient := testPatient(&domain.NetworkIdentity{RemotePatientID: "CW123", RemotePersonID: "P1"})

	err := f.usecase.Sync(context.Background(), patient, "fac-1", domain.OperationUpdate)
	if domain.NetworkErrorKind(err) != domain.KindFatal {
		t.Fatalf("expected fatal network error, got %v", err)
	}
	if client.called("FindPerson") != 0 {
		t.Fatalf("expected no fallback on a fatal error")
	}
	if got := f.capture.errorsWithContext(updateContext); len(got) != 1 {
		t.Fatalf("expected one captured update error, got %d", len(got))
	}
}

func TestSyncUpdateWithoutSelfLinkFails(t *testing.T) {
	client := &networkClientFake{updated: domain.RegisteredPatient{ID: "CW123"}}
	f := newIdentityFixture(client)
	patient := testPatient(&domain.NetworkIdentity{RemotePatientID: "CW123", RemotePersonID: "P1"})

	err := f.usecase.Sync(context.Background(), patient, "fac-1", domain.OperationUpdate)
	if !errors.Is(err, domain.ErrRegistration) {
		t.Fatalf("expected ErrRegistration, got %v", err)
	}
}

func TestNetworkLinkUpgradeFailuresAreCaptured(t *testing.T) {
	client := &networkClientFake{
		registered: domain.RegisteredPatient{ID: "CW123", SelfLink: selfLinkCW123},
		enrolled:   domain.RemotePerson{ID: "P1"},
		networkLinks: []domain.NetworkLink{
			{PatientRef: "remote-a", Trust: domain.TrustLevel1, UpgradeRef: "https://cw.test/upgrade/a"},
			{PatientRef: "remote-b", Trust: domain.TrustLevel1, UpgradeRef: "https://cw.test/upgrade/b"},
		},
		upgradeErrs: map[string]error{
			"remote-a": &domain.NetworkError{Kind: domain.KindTemporary, Operation: "upgrade_network_link", Reference: "ref-a", Err: errors.New("status 503")},
		},
	}
	f := newIdentityFixture(client)

	if err := f.usecase.Sync(context.Background(), testPatient(nil), "fac-1", domain.OperationCreate); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(client.upgraded) != 1 || client.upgraded[0] != "remote-b" {
		t.Fatalf("expected the second link to be upgraded, got %v", client.upgraded)
	}
	captured := f.capture.errorsWithContext(createContext)
	if len(captured) != 1 || captured[0].extra["cwReference"] != "ref-a" {
		t.Fatalf("expected one captured upgrade failure, got %+v", captured)
	}
}

func TestNetworkLinkListFailureDoesNotFailSync(t *testing.T) {
	client := &networkClientFake{
		registered:      domain.RegisteredPatient{ID: "CW123", SelfLink: selfLinkCW123},
		enrolled:        domain.RemotePerson{ID: "P1"},
		networkLinksErr: &domain.NetworkError{Kind: domain.KindFatal, Operation: "list_network_links", Err: errors.New("status 500")},
	}
	f := newIdentityFixture(client)

	if err := f.usecase.Sync(context.Background(), testPatient(nil), "fac-1", domain.OperationCreate); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if got := f.capture.errorsWithContext(createContext); len(got) != 1 {
		t.Fatalf("expected the list failure to be captured, got %d", len(got))
	}
}

func TestSyncDeleteWithoutIdentityIsNoop(t *testing.T) {
	client := &networkClientFake{}
	f := newIdentityFixture(client)

	if err := f.usecase.Sync(context.Background(), testPatient(nil), "fac-1", domain.OperationDelete); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(f.factory.built) != 0 {
		t.Fatalf("expected no network client to be built")
	}
}

func TestSyncDeleteRemovesRemotePatient(t *testing.T) {
	client := &networkClientFake{}
	f := newIdentityFixture(client)
	patient := testPatient(&domain.NetworkIdentity{RemotePatientID: "CW123"})

	if err := f.usecase.Sync(context.Background(), patient, "fac-1", domain.OperationDelete); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if client.called("DeletePatient") != 1 {
		t.Fatalf("expected remote delete")
	}
}

func TestSyncFacilityNotFound(t *testing.T) {
	capture := &captureFake{}
	uc := NewIdentitySyncUseCase(
		&patientRepoFake{},
		&facilityFake{err: domain.WrapError(domain.ErrFacilityNotFound, "get facility context", errors.New("fac-9"))},
		&clientFactoryFake{client: &networkClientFake{}},
		capture,
	)

	err := uc.Sync(context.Background(), testPatient(nil), "fac-9", domain.OperationCreate)
	if !errors.Is(err, domain.ErrFacilityNotFound) {
		t.Fatalf("expected ErrFacilityNotFound, got %v", err)
	}
	if len(capture.errors) != 1 {
		t.Fatalf("expected the failure to be captured")
	}
}

func TestSyncRejectsUnknownOperation(t *testing.T) {
	f := newIdentityFixture(&networkClientFake{})
	err := f.usecase.Sync(context.Background(), testPatient(nil), "fac-1", domain.IdentityOperation("merge"))
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRemotePatientFromLocal(t *testing.T) {
	fc := testFacilityContext()
	got := remotePatientFromLocal(testPatient(nil), fc)

	if len(got.Identifiers) != 1 || got.Identifiers[0].System != fc.Organization.OID || got.Identifiers[0].Value != "pat-1" {
		t.Fatalf("unexpected identifiers: %+v", got.Identifiers)
	}
	name := got.Details.Names[0]
	if len(name.Given) != 2 || name.Given[0] != "Jose" || name.Given[1] != "Maria" {
		t.Fatalf("unexpected given names: %v", name.Given)
	}
	if got.Details.Gender != "F" {
		t.Fatalf("unexpected gender: %q", got.Details.Gender)
	}
	if len(got.Details.Identifier) != 1 || got.Details.Identifier[0].System != systemSSN {
		t.Fatalf("expected ssn strong id, got %+v", got.Details.Identifier)
	}
	if len(got.Details.Telecom) != 2 {
		t.Fatalf("expected phone and email telecom, got %+v", got.Details.Telecom)
	}
	if got.FacilityNPI != fc.Facility.NPI || got.Organization.OID != fc.Organization.OID {
		t.Fatalf("unexpected organization scope: %+v / %s", got.Organization, got.FacilityNPI)
	}
}

func TestGenderCode(t *testing.T) {
	cases := map[string]string{"m": "M", "Female": "F", "": "UN", "X": "UN"}
	for in, want := range cases {
		if got := genderCode(in); got != want {
			t.Fatalf("genderCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSyncLogsLinkStatus(t *testing.T) {
	var buf bytes.Buffer
	previous := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(previous) })

	f := newIdentityFixture(&networkClientFake{})
	patient := testPatient(&domain.NetworkIdentity{RemotePatientID: "CW123"})
	if err := f.usecase.Sync(context.Background(), patient, "fac-1", domain.OperationDelete); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	var found bool
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var record map[string]any
		if err := json.Unmarshal(line, &record); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		if record["msg"] != "identity_sync_completed" {
			continue
		}
		found = true
		if record["link_status"] != string(domain.LinkStatusNeedsReview) || record["operation"] != "delete" {
			t.Fatalf("unexpected completion record %v", record)
		}
	}
	if !found {
		t.Fatalf("expected an identity_sync_completed record, got %s", buf.String())
	}
}
