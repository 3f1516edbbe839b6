package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/hiesync/internal/core/domain"
	"github.com/kirillkom/hiesync/internal/core/ports"
)

type storedIdentity struct {
	source   domain.NetworkSource
	identity domain.NetworkIdentity
}

type patientRepoFake struct {
	mu       sync.Mutex
	stored   []storedIdentity
	storeErr error
}

func (f *patientRepoFake) GetByID(context.Context, string, string) (*domain.Patient, error) {
	return nil, domain.ErrPatientNotFound
}

func (f *patientRepoFake) Upsert(context.Context, *domain.Patient) error { return nil }

func (f *patientRepoFake) StoreNetworkIdentity(_ context.Context, _, _ string, source domain.NetworkSource, identity domain.NetworkIdentity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return f.storeErr
	}
	f.stored = append(f.stored, storedIdentity{source: source, identity: identity})
	return nil
}

type facilityFake struct {
	fc  domain.FacilityContext
	err error
}

func (f *facilityFake) GetFacilityContext(context.Context, string, string) (domain.FacilityContext, error) {
	if f.err != nil {
		return domain.FacilityContext{}, f.err
	}
	return f.fc, nil
}

type clientFactoryFake struct {
	mu     sync.Mutex
	client *networkClientFake
	built  []domain.FacilityContext
	err    error
}

func (f *clientFactoryFake) ForFacility(fc domain.FacilityContext) (ports.NetworkClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built = append(f.built, fc)
	if f.err != nil {
		return nil, f.err
	}
	return f.client, nil
}

type linkCall struct {
	personID string
	selfLink string
	proof    *domain.Identifier
}

type networkClientFake struct {
	mu    sync.Mutex
	calls []string

	registered  domain.RegisteredPatient
	registerErr error
	updated     domain.RegisteredPatient
	updateErr   error
	deleteErr   error

	persons      []domain.RemotePerson
	findErr      error
	enrolled     domain.RemotePerson
	enrollErr    error
	person       domain.RemotePerson
	personErr    error
	reenrolled   domain.RemotePerson
	reenrollErr  error
	patientLinks []domain.PatientLink
	linkErr      error
	linkCalls    []linkCall

	networkLinks    []domain.NetworkLink
	networkLinksErr error
	upgradeErrs     map[string]error
	upgraded        []string

	entries  []domain.DocumentQueryEntry
	queryErr error
	contents map[string]string
	fetched  []string
	// onFetch runs before content is handed back, outside the fake's lock.
	onFetch func(location string)
}

func (f *networkClientFake) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *networkClientFake) called(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *networkClientFake) RegisterPatient(context.Context, domain.RemotePatient) (domain.RegisteredPatient, error) {
	f.record("RegisterPatient")
	return f.registered, f.registerErr
}

func (f *networkClientFake) UpdatePatient(context.Context, domain.RemotePatient, string) (domain.RegisteredPatient, error) {
	f.record("UpdatePatient")
	return f.updated, f.updateErr
}

func (f *networkClientFake) DeletePatient(context.Context, string) error {
	f.record("DeletePatient")
	return f.deleteErr
}

func (f *networkClientFake) FindPerson(context.Context, domain.RemotePatient, string) ([]domain.RemotePerson, error) {
	f.record("FindPerson")
	return f.persons, f.findErr
}

func (f *networkClientFake) EnrollPerson(context.Context, domain.RemotePerson) (domain.RemotePerson, error) {
	f.record("EnrollPerson")
	return f.enrolled, f.enrollErr
}

func (f *networkClientFake) UpdatePerson(context.Context, domain.RemotePerson, string) (domain.RemotePerson, error) {
	f.record("UpdatePerson")
	return f.person, f.personErr
}

func (f *networkClientFake) ReenrollPerson(context.Context, string) (domain.RemotePerson, error) {
	f.record("ReenrollPerson")
	return f.reenrolled, f.reenrollErr
}

func (f *networkClientFake) GetPatientLinks(context.Context, string) ([]domain.PatientLink, error) {
	f.record("GetPatientLinks")
	return f.patientLinks, nil
}

func (f *networkClientFake) AddOrUpgradePatientLink(_ context.Context, personID, selfLink string, proof *domain.Identifier) (domain.PatientLink, error) {
	f.record("AddOrUpgradePatientLink")
	f.mu.Lock()
	f.linkCalls = append(f.linkCalls, linkCall{personID: personID, selfLink: selfLink, proof: proof})
	f.mu.Unlock()
	if f.linkErr != nil {
		return domain.PatientLink{}, f.linkErr
	}
	return domain.PatientLink{PatientRef: selfLink, Trust: domain.TrustLevel3}, nil
}

func (f *networkClientFake) ListNetworkLinks(context.Context, string) ([]domain.NetworkLink, error) {
	f.record("ListNetworkLinks")
	return f.networkLinks, f.networkLinksErr
}

func (f *networkClientFake) UpgradeNetworkLink(_ context.Context, link domain.NetworkLink) error {
	f.record("UpgradeNetworkLink")
	if err := f.upgradeErrs[link.PatientRef]; err != nil {
		return err
	}
	f.mu.Lock()
	f.upgraded = append(f.upgraded, link.PatientRef)
	f.mu.Unlock()
	return nil
}

func (f *networkClientFake) QueryDocuments(context.Context, string) ([]domain.DocumentQueryEntry, error) {
	f.record("QueryDocuments")
	return f.entries, f.queryErr
}

func (f *networkClientFake) FetchDocumentContent(_ context.Context, location string) (io.ReadCloser, error) {
	f.record("FetchDocumentContent")
	f.mu.Lock()
	f.fetched = append(f.fetched, location)
	content, ok := f.contents[location]
	onFetch := f.onFetch
	f.mu.Unlock()
	if onFetch != nil {
		onFetch(location)
	}
	if !ok {
		return nil, &domain.NetworkError{Kind: domain.KindNotFound, Operation: "fetch_document", Reference: "ref-" + location, Err: errors.New("status 404")}
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

type capturedError struct {
	err   error
	extra map[string]any
}

type capturedWarning struct {
	msg   string
	extra map[string]any
}

type captureFake struct {
	mu       sync.Mutex
	errors   []capturedError
	warnings []capturedWarning
}

func (f *captureFake) CaptureError(_ context.Context, err error, extra map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, capturedError{err: err, extra: extra})
}

func (f *captureFake) CaptureWarning(_ context.Context, msg string, extra map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warnings = append(f.warnings, capturedWarning{msg: msg, extra: extra})
}

func (f *captureFake) warned(msg string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.warnings {
		if w.msg == msg {
			return true
		}
	}
	return false
}

func (f *captureFake) errorsWithContext(logContext string) []capturedError {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []capturedError
	for _, e := range f.errors {
		if e.extra["context"] == logContext {
			out = append(out, e)
		}
	}
	return out
}

type statusStoreFake struct {
	mu        sync.Mutex
	status    map[string]domain.QueryStatus
	starts    []int
	completes int
	history   []int
	startErr  error
}

func newStatusStoreFake() *statusStoreFake {
	return &statusStoreFake{status: make(map[string]domain.QueryStatus)}
}

func (f *statusStoreFake) StartQuery(_ context.Context, tenantID, patientID string, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts = append(f.starts, total)
	f.status[tenantID+"/"+patientID] = domain.QueryStatus{
		State:    domain.QueryStateProcessing,
		Progress: domain.Progress{Total: total},
	}
	return nil
}

func (f *statusStoreFake) IncrementProgress(_ context.Context, tenantID, patientID string) (domain.QueryStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := tenantID + "/" + patientID
	s, ok := f.status[key]
	if !ok {
		return domain.QueryStatus{}, domain.ErrPatientNotFound
	}
	s.Progress.Completed = min(s.Progress.Completed+1, s.Progress.Total)
	f.status[key] = s
	f.history = append(f.history, s.Progress.Completed)
	return s, nil
}

func (f *statusStoreFake) CompleteQuery(_ context.Context, tenantID, patientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := tenantID + "/" + patientID
	s := f.status[key]
	s.State = domain.QueryStateCompleted
	f.status[key] = s
	f.completes++
	return nil
}

func (f *statusStoreFake) GetQueryStatus(_ context.Context, tenantID, patientID string) (domain.QueryStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.status[tenantID+"/"+patientID]
	if !ok {
		return domain.QueryStatus{}, domain.ErrPatientNotFound
	}
	return s, nil
}

type contentFake struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	putErr  error
}

func newContentFake() *contentFake {
	return &contentFake{objects: make(map[string][]byte)}
}

func (f *contentFake) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *contentFake) Put(_ context.Context, key, _ string, data io.Reader) (domain.StoredArtifact, error) {
	raw, err := io.ReadAll(data)
	if err != nil {
		return domain.StoredArtifact{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return domain.StoredArtifact{}, f.putErr
	}
	f.objects[key] = raw
	f.puts++
	return domain.StoredArtifact{Key: key, Location: f.Location(key)}, nil
}

func (f *contentFake) Location(key string) string {
	return "https://content.test/" + key
}

type converterFake struct {
	mu      sync.Mutex
	markups []string
	err     error
}

func (f *converterFake) Convert(_ context.Context, _ string, rawMarkup string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markups = append(f.markups, rawMarkup)
	if f.err != nil {
		return nil, f.err
	}
	return []byte(`{"resourceType":"Bundle"}`), nil
}

type canonicalFake struct {
	mu      sync.Mutex
	refs    map[string]domain.CanonicalDocumentReference
	upserts int
	bundles int
}

func newCanonicalFake() *canonicalFake {
	return &canonicalFake{refs: make(map[string]domain.CanonicalDocumentReference)}
}

func (f *canonicalFake) UpsertBundle(context.Context, string, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bundles++
	return nil
}

func (f *canonicalFake) UpsertDocumentReference(_ context.Context, _ string, doc domain.CanonicalDocumentReference) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs[doc.ID] = doc
	f.upserts++
	return nil
}

type sinkFake struct {
	mu     sync.Mutex
	events []domain.DocumentsReady
	ctxErr []error
	err    error
}

func (f *sinkFake) NotifyDocumentsReady(ctx context.Context, event domain.DocumentsReady) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctxErr = append(f.ctxErr, ctx.Err())
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

type usageFake struct {
	mu     sync.Mutex
	events []domain.UsageEvent
}

func (f *usageFake) ReportUsage(_ context.Context, event domain.UsageEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

type sandboxFake struct {
	docs []domain.CanonicalDocumentReference
}

func (f *sandboxFake) ForPatient(string) ([]domain.CanonicalDocumentReference, error) {
	return f.docs, nil
}

type observerFake struct {
	mu       sync.Mutex
	outcomes map[domain.DocumentOutcome]int
}

func (f *observerFake) ObserveDocument(outcome domain.DocumentOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outcomes == nil {
		f.outcomes = make(map[domain.DocumentOutcome]int)
	}
	f.outcomes[outcome]++
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func (r *sleepRecorder) nonZero() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []time.Duration
	for _, d := range r.delays {
		if d > 0 {
			out = append(out, d)
		}
	}
	return out
}

func testFacilityContext() domain.FacilityContext {
	return domain.FacilityContext{
		Organization: domain.Organization{ID: "org-1", TenantID: "tenant-1", NumericID: 7, OID: "2.16.840.1.113883.3.9621.7", Name: "Acme Health"},
		Facility:     domain.Facility{ID: "fac-1", TenantID: "tenant-1", OrganizationID: "org-1", Name: "Acme Clinic", NPI: "1234567893"},
	}
}

func testPatient(identity *domain.NetworkIdentity) *domain.Patient {
	p := &domain.Patient{
		ID:          "pat-1",
		TenantID:    "tenant-1",
		FacilityIDs: []string{"fac-1"},
		Demographics: domain.Demographics{
			FirstName:     "Jose, Maria",
			LastName:      "Garcia",
			DOB:           "1980-02-03",
			GenderAtBirth: "F",
			Addresses:     []domain.Address{{Lines: []string{"1 Main St"}, City: "Austin", State: "TX", Zip: "78701"}},
			Contacts:      []domain.Contact{{Phone: "5125550100", Email: "jm@example.com"}},
			PersonalIDs:   []domain.PersonalIdentifier{{Type: "ssn", Value: "123456789"}},
		},
	}
	if identity != nil {
		p.ExternalData = map[domain.NetworkSource]domain.NetworkIdentity{domain.SourceCommonWell: *identity}
	}
	return p
}

func documentEntry(id, location, mimeType string, size int64) domain.DocumentQueryEntry {
	return domain.DocumentQueryEntry{Document: &domain.RemoteDocumentReference{
		ID:               id,
		MasterIdentifier: &domain.Identifier{System: "urn:ietf:rfc:3986", Value: "urn:oid:1.2.3." + id},
		Location:         location,
		MimeType:         mimeType,
		Size:             &size,
		Description:      fmt.Sprintf("document %s", id),
		Status:           "current",
	}}
}
