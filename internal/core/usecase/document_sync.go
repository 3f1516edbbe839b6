package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/hiesync/internal/core/domain"
	"github.com/kirillkom/hiesync/internal/core/ports"
)

const (
	queryContext        = "cw.queryDocuments"
	uploadContext       = "document.upload"
	conversionContext   = "document.convert"
	progressContext     = "cw.getDocuments.updateDocQuery"
	notificationContext = "documents.ready"
	usageContext        = "usage.report"
)

type DocumentSyncDeps struct {
	Facilities ports.FacilityDirectory
	Clients    ports.NetworkClientFactory
	Content    ports.ContentStore
	Converter  ports.DocumentConverter
	Canonical  ports.CanonicalStore
	Sink       ports.StatusSink
	Usage      ports.UsageReporter
	Capture    ports.ErrorCapturer
	Sandbox    ports.SandboxDocuments
	Observer   ports.DocumentSyncObserver
}

type DocumentSyncUseCase struct {
	deps    DocumentSyncDeps
	tracker *QueryStatusTracker
	limits  domain.DocumentSyncLimits
	source  domain.NetworkSource

	sleep func(context.Context, time.Duration) error
	draw  func() float64
	now   func() time.Time

	detached sync.WaitGroup
}

func NewDocumentSyncUseCase(deps DocumentSyncDeps, tracker *QueryStatusTracker, limits domain.DocumentSyncLimits) *DocumentSyncUseCase {
	if limits.ChunkSize <= 0 {
		limits.ChunkSize = 10
	}
	if limits.JitterMinFraction <= 0 || limits.JitterMinFraction >= 1 {
		limits.JitterMinFraction = 0.1
	}
	if limits.NotifyTimeout <= 0 {
		limits.NotifyTimeout = 30 * time.Second
	}
	if deps.Observer == nil {
		deps.Observer = noopObserver{}
	}
	return &DocumentSyncUseCase{
		deps:    deps,
		tracker: tracker,
		limits:  limits,
		source:  domain.SourceCommonWell,
		sleep:   sleepContext,
		now:     time.Now,
	}
}

type documentRun struct {
	patient    *domain.Patient
	facilityID string
	fc         domain.FacilityContext
	client     ports.NetworkClient
	override   bool
}

// Synchronize retrieves every document the network exposes for the patient
// and returns the number of canonical documents produced. Only a failed
// document query (or missing context) is returned as an error; the query
// status always ends up completed.
func (uc *DocumentSyncUseCase) Synchronize(ctx context.Context, patient *domain.Patient, facilityID string, override bool) (int, error) {
	if patient == nil {
		return 0, domain.WrapError(domain.ErrInvalidInput, "synchronize documents", errors.New("patient is required"))
	}
	fin := uc.tracker.Finalizer(patient.TenantID, patient.ID)
	defer uc.finalize(ctx, fin, patient)

	if err := uc.tracker.Start(ctx, patient.TenantID, patient.ID, 0); err != nil {
		return 0, uc.failRun(ctx, err, patient, facilityID)
	}

	if uc.limits.Sandbox {
		return uc.deliverSandbox(ctx, fin, patient, facilityID)
	}

	fc, err := uc.deps.Facilities.GetFacilityContext(ctx, patient.TenantID, facilityID)
	if err != nil {
		return 0, uc.failRun(ctx, fmt.Errorf("load facility context: %w", err), patient, facilityID)
	}

	run := &documentRun{patient: patient, facilityID: facilityID, fc: fc, override: override}
	var docs []domain.CanonicalDocumentReference

	identity, ok := patient.Identity(uc.source)
	if ok {
		run.client, err = uc.deps.Clients.ForFacility(fc)
		if err != nil {
			return 0, uc.failRun(ctx, fmt.Errorf("build network client: %w", err), patient, facilityID)
		}
		refs, err := uc.queryDocuments(ctx, run, identity.RemotePatientID)
		if err != nil {
			return 0, uc.failRun(ctx, err, patient, facilityID)
		}
		if err := uc.tracker.Start(ctx, patient.TenantID, patient.ID, len(refs)); err != nil {
			uc.deps.Capture.CaptureError(ctx, err, map[string]any{"patientId": patient.ID, "context": progressContext})
		}
		docs = uc.processChunks(ctx, run, refs)
	} else {
		slog.Info("document_query_skipped", "patient_id", patient.ID, "reason", "no network identity")
	}

	uc.finalize(ctx, fin, patient)
	uc.reportUsage(ctx, patient)
	uc.notifyDetached(ctx, patient, docs)

	slog.Info("document_sync_completed",
		"patient_id", patient.ID,
		"tenant_id", patient.TenantID,
		"facility_id", facilityID,
		"documents", len(docs),
	)
	return len(docs), nil
}

// WaitDetached blocks until every detached notification has settled.
func (uc *DocumentSyncUseCase) WaitDetached() {
	uc.detached.Wait()
}

func (uc *DocumentSyncUseCase) queryDocuments(ctx context.Context, run *documentRun, remotePatientID string) ([]domain.RemoteDocumentRef, error) {
	entries, err := run.client.QueryDocuments(ctx, remotePatientID)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}

	var outcomes []domain.OperationOutcome
	refs := make([]domain.RemoteDocumentRef, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		switch {
		case entry.Outcome != nil:
			outcomes = append(outcomes, *entry.Outcome)
		case entry.Document != nil:
			ref, ok := uc.normalize(ctx, run, *entry.Document)
			if !ok {
				continue
			}
			if _, dup := seen[ref.PrimaryID]; dup {
				continue
			}
			seen[ref.PrimaryID] = struct{}{}
			refs = append(refs, ref)
		}
	}

	if len(outcomes) > 0 {
		uc.deps.Capture.CaptureWarning(ctx, "Document query contained errors", map[string]any{
			"patientId": run.patient.ID,
			"cwErrs":    outcomes,
			"context":   queryContext,
		})
	}
	slog.Debug("document_query_result",
		"patient_id", run.patient.ID,
		"entries", len(entries),
		"valid", len(refs),
		"outcomes", len(outcomes),
	)
	return refs, nil
}

func (uc *DocumentSyncUseCase) normalize(ctx context.Context, run *documentRun, doc domain.RemoteDocumentReference) (domain.RemoteDocumentRef, bool) {
	if doc.Size != nil && *doc.Size == 0 {
		uc.deps.Capture.CaptureWarning(ctx, "Document is of size 0", map[string]any{
			"patientId": run.patient.ID,
			"document":  doc,
		})
		return domain.RemoteDocumentRef{}, false
	}

	var primaryID string
	if doc.MasterIdentifier != nil {
		primaryID = domain.PrimaryIDFromMasterIdentifier(doc.MasterIdentifier.Value)
	}
	if primaryID == "" || doc.Location == "" {
		uc.deps.Capture.CaptureWarning(ctx, "Document is missing a location or master identifier", map[string]any{
			"patientId": run.patient.ID,
			"document":  doc,
		})
		return domain.RemoteDocumentRef{}, false
	}

	var size int64
	if doc.Size != nil {
		size = *doc.Size
	}
	return domain.RemoteDocumentRef{
		PrimaryID:        primaryID,
		Location:         doc.Location,
		MimeType:         doc.MimeType,
		SizeBytes:        size,
		MasterIdentifier: *doc.MasterIdentifier,
		FileName:         domain.DocumentFileName(run.patient.ID, primaryID, doc.MimeType),
		Description:      doc.Description,
		Status:           doc.Status,
		Indexed:          doc.Indexed,
		Type:             doc.Type,
		Raw:              doc.Raw,
	}, true
}

// processChunks runs chunks strictly in sequence. Members of a chunk run
// concurrently and the next chunk starts only after all of them settle.
func (uc *DocumentSyncUseCase) processChunks(ctx context.Context, run *documentRun, refs []domain.RemoteDocumentRef) []domain.CanonicalDocumentReference {
	docs := make([]domain.CanonicalDocumentReference, 0, len(refs))
	for start := 0; start < len(refs); start += uc.limits.ChunkSize {
		if start > 0 {
			delay := jitterDelay(uc.limits.ChunkDelayMax, uc.limits.JitterMinFraction, uc.draw)
			if err := uc.sleep(ctx, delay); err != nil {
				slog.Warn("document_chunk_delay_interrupted", "patient_id", run.patient.ID, "error", err)
			}
		}
		end := min(start+uc.limits.ChunkSize, len(refs))
		docs = append(docs, uc.processChunk(ctx, run, refs[start:end])...)
	}
	return docs
}

func (uc *DocumentSyncUseCase) processChunk(ctx context.Context, run *documentRun, chunk []domain.RemoteDocumentRef) []domain.CanonicalDocumentReference {
	settled := make([]*domain.CanonicalDocumentReference, len(chunk))

	var g errgroup.Group
	for i, ref := range chunk {
		g.Go(func() error {
			settled[i] = uc.syncDocument(ctx, run, ref)
			return nil
		})
	}
	_ = g.Wait()

	docs := make([]domain.CanonicalDocumentReference, 0, len(chunk))
	for _, doc := range settled {
		if doc != nil {
			docs = append(docs, *doc)
		}
	}
	return docs
}

// syncDocument isolates one document: failures are captured and the
// document is left out of the result. Progress advances either way.
func (uc *DocumentSyncUseCase) syncDocument(ctx context.Context, run *documentRun, ref domain.RemoteDocumentRef) *domain.CanonicalDocumentReference {
	defer uc.advanceProgress(ctx, run)

	doc, outcome, err := uc.processDocument(ctx, run, ref)
	uc.deps.Observer.ObserveDocument(outcome)
	if err != nil {
		slog.Warn("document_sync_failed",
			"patient_id", run.patient.ID,
			"primary_id", ref.PrimaryID,
			"error", err,
		)
		uc.deps.Capture.CaptureError(ctx, err, map[string]any{
			"patientId":         run.patient.ID,
			"facilityId":        run.facilityID,
			"documentReference": ref.PrimaryID,
			"location":          ref.Location,
			"cwReference":       domain.NetworkReference(err),
			"context":           uploadContext,
		})
		return nil
	}
	return &doc
}

func (uc *DocumentSyncUseCase) processDocument(
	ctx context.Context,
	run *documentRun,
	ref domain.RemoteDocumentRef,
) (domain.CanonicalDocumentReference, domain.DocumentOutcome, error) {
	key := domain.ContentKey(run.patient.TenantID, ref.PrimaryID)

	if !run.override {
		exists, err := uc.deps.Content.Exists(ctx, key)
		if err != nil {
			return domain.CanonicalDocumentReference{}, domain.DocumentFailed, fmt.Errorf("check artifact %s: %w", key, err)
		}
		if exists {
			artifact := domain.StoredArtifact{Key: key, Location: uc.deps.Content.Location(key)}
			return domain.BuildCanonicalDocumentReference(ref, artifact, run.patient, run.fc.Organization), domain.DocumentSkipped, nil
		}
	}

	delay := jitterDelay(uc.limits.DownloadJitterMax, uc.limits.JitterMinFraction, uc.draw)
	if err := uc.sleep(ctx, delay); err != nil {
		return domain.CanonicalDocumentReference{}, domain.DocumentFailed, fmt.Errorf("wait before download: %w", err)
	}

	artifact, markup, err := uc.download(ctx, run, ref, key)
	if err != nil {
		return domain.CanonicalDocumentReference{}, domain.DocumentFailed, err
	}
	if markup != nil {
		uc.convert(ctx, run, ref, markup.String())
	}

	doc := domain.BuildCanonicalDocumentReference(ref, artifact, run.patient, run.fc.Organization)
	if err := uc.deps.Canonical.UpsertDocumentReference(ctx, run.patient.TenantID, doc); err != nil {
		return domain.CanonicalDocumentReference{}, domain.DocumentFailed, fmt.Errorf("upsert document reference %s: %w", doc.ID, err)
	}
	return doc, domain.DocumentStored, nil
}

// download streams the remote content into the content store. XML-family
// content is also captured in memory for conversion.
func (uc *DocumentSyncUseCase) download(
	ctx context.Context,
	run *documentRun,
	ref domain.RemoteDocumentRef,
	key string,
) (domain.StoredArtifact, *bytes.Buffer, error) {
	body, err := run.client.FetchDocumentContent(ctx, ref.Location)
	if err != nil {
		return domain.StoredArtifact{}, nil, fmt.Errorf("fetch document %s: %w", ref.PrimaryID, err)
	}
	defer body.Close()

	var (
		src    io.Reader = body
		markup *bytes.Buffer
	)
	if domain.IsXMLMediaType(ref.MimeType) {
		markup = &bytes.Buffer{}
		src = io.TeeReader(body, markup)
	}

	artifact, err := uc.deps.Content.Put(ctx, key, ref.MimeType, src)
	if err != nil {
		return domain.StoredArtifact{}, nil, fmt.Errorf("store document %s: %w", ref.PrimaryID, err)
	}
	return artifact, markup, nil
}

func (uc *DocumentSyncUseCase) convert(ctx context.Context, run *documentRun, ref domain.RemoteDocumentRef, markup string) {
	bundle, err := uc.deps.Converter.Convert(ctx, run.patient.ID, markup)
	if err != nil {
		err = fmt.Errorf("convert document %s: %w", ref.PrimaryID, err)
	} else if upsertErr := uc.deps.Canonical.UpsertBundle(ctx, run.patient.TenantID, bundle); upsertErr != nil {
		err = fmt.Errorf("upsert bundle of document %s: %w", ref.PrimaryID, upsertErr)
	}
	if err == nil {
		return
	}
	slog.Warn("document_conversion_failed", "patient_id", run.patient.ID, "primary_id", ref.PrimaryID, "error", err)
	uc.deps.Capture.CaptureError(ctx, err, map[string]any{
		"patientId":         run.patient.ID,
		"documentReference": ref.PrimaryID,
		"mimeType":          ref.MimeType,
		"context":           conversionContext,
	})
}

func (uc *DocumentSyncUseCase) advanceProgress(ctx context.Context, run *documentRun) {
	status, err := uc.tracker.Increment(ctx, run.patient.TenantID, run.patient.ID)
	if err != nil {
		uc.deps.Capture.CaptureError(ctx, err, map[string]any{
			"patientId": run.patient.ID,
			"context":   progressContext,
		})
		return
	}
	slog.Debug("document_query_progress",
		"patient_id", run.patient.ID,
		"completed", status.Progress.Completed,
		"total", status.Progress.Total,
	)
}

func (uc *DocumentSyncUseCase) deliverSandbox(ctx context.Context, fin *QueryFinalizer, patient *domain.Patient, facilityID string) (int, error) {
	var docs []domain.CanonicalDocumentReference
	if uc.deps.Sandbox != nil {
		var err error
		docs, err = uc.deps.Sandbox.ForPatient(patient.ID)
		if err != nil {
			return 0, uc.failRun(ctx, fmt.Errorf("load sandbox documents: %w", err), patient, facilityID)
		}
	}
	uc.finalize(ctx, fin, patient)
	uc.notifyDetached(ctx, patient, docs)
	return len(docs), nil
}

func (uc *DocumentSyncUseCase) finalize(ctx context.Context, fin *QueryFinalizer, patient *domain.Patient) {
	if err := fin.Complete(ctx); err != nil {
		uc.deps.Capture.CaptureError(ctx, err, map[string]any{
			"patientId": patient.ID,
			"context":   progressContext,
		})
	}
}

func (uc *DocumentSyncUseCase) reportUsage(ctx context.Context, patient *domain.Patient) {
	event := domain.UsageEvent{TenantID: patient.TenantID, EntityID: patient.ID, APIType: domain.APITypeMedical}
	if err := uc.deps.Usage.ReportUsage(ctx, event); err != nil {
		uc.deps.Capture.CaptureError(ctx, fmt.Errorf("report usage: %w", err), map[string]any{
			"patientId": patient.ID,
			"context":   usageContext,
		})
	}
}

// notifyDetached delivers the terminal notification without tying it to
// the caller: it survives cancellation of ctx and never fails the run.
func (uc *DocumentSyncUseCase) notifyDetached(ctx context.Context, patient *domain.Patient, docs []domain.CanonicalDocumentReference) {
	event := domain.DocumentsReady{
		TenantID:  patient.TenantID,
		PatientID: patient.ID,
		Documents: domain.ToDocumentDTOs(docs),
		SentAt:    uc.now().UTC(),
	}
	detachedCtx := context.WithoutCancel(ctx)
	extra := map[string]any{"patientId": patient.ID, "context": notificationContext}

	uc.detached.Add(1)
	go func() {
		defer uc.detached.Done()
		defer func() {
			if r := recover(); r != nil {
				uc.deps.Capture.CaptureError(detachedCtx, fmt.Errorf("notify documents ready: panic: %v", r), extra)
			}
		}()

		notifyCtx, cancel := context.WithTimeout(detachedCtx, uc.limits.NotifyTimeout)
		defer cancel()
		if err := uc.deps.Sink.NotifyDocumentsReady(notifyCtx, event); err != nil {
			slog.Error("documents_ready_notify_failed", "patient_id", patient.ID, "error", err)
			uc.deps.Capture.CaptureError(detachedCtx, fmt.Errorf("notify documents ready: %w", err), extra)
		}
	}()
}

func (uc *DocumentSyncUseCase) failRun(ctx context.Context, err error, patient *domain.Patient, facilityID string) error {
	slog.Error("document_sync_failed_run", "patient_id", patient.ID, "facility_id", facilityID, "error", err)
	uc.deps.Capture.CaptureError(ctx, err, map[string]any{
		"patientId":   patient.ID,
		"tenantId":    patient.TenantID,
		"facilityId":  facilityID,
		"cwReference": domain.NetworkReference(err),
		"context":     queryContext,
	})
	return err
}

type noopObserver struct{}

func (noopObserver) ObserveDocument(domain.DocumentOutcome) {}
