package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/hiesync/internal/core/domain"
	"github.com/kirillkom/hiesync/internal/core/ports"
)

const (
	createContext = "cw.patient.create"
	updateContext = "cw.patient.update"
	deleteContext = "cw.patient.delete"
)

type IdentitySyncUseCase struct {
	patients   ports.PatientRepository
	facilities ports.FacilityDirectory
	clients    ports.NetworkClientFactory
	capture    ports.ErrorCapturer
	source     domain.NetworkSource
}

func NewIdentitySyncUseCase(
	patients ports.PatientRepository,
	facilities ports.FacilityDirectory,
	clients ports.NetworkClientFactory,
	capture ports.ErrorCapturer,
) *IdentitySyncUseCase {
	return &IdentitySyncUseCase{
		patients:   patients,
		facilities: facilities,
		clients:    clients,
		capture:    capture,
		source:     domain.SourceCommonWell,
	}
}

// identitySession is the per-call state shared by the steps of one sync.
type identitySession struct {
	patient    *domain.Patient
	facilityID string
	fc         domain.FacilityContext
	client     ports.NetworkClient
	payload    domain.RemotePatient
}

func (uc *IdentitySyncUseCase) Sync(ctx context.Context, patient *domain.Patient, facilityID string, op domain.IdentityOperation) error {
	if patient == nil {
		return domain.WrapError(domain.ErrInvalidInput, "sync identity", errors.New("patient is required"))
	}
	var err error
	switch op {
	case domain.OperationCreate:
		err = uc.syncCreate(ctx, patient, facilityID)
	case domain.OperationUpdate:
		err = uc.syncUpdate(ctx, patient, facilityID)
	case domain.OperationDelete:
		err = uc.syncDelete(ctx, patient, facilityID)
	default:
		return domain.WrapError(domain.ErrInvalidInput, "sync identity", fmt.Errorf("unknown operation %q", op))
	}
	if err != nil {
		return err
	}
	slog.Info("identity_sync_completed",
		"patient_id", patient.ID,
		"facility_id", facilityID,
		"operation", string(op),
		"link_status", string(domain.GetLinkStatus(patient, uc.source)),
	)
	return nil
}

func (uc *IdentitySyncUseCase) syncCreate(ctx context.Context, patient *domain.Patient, facilityID string) error {
	s, err := uc.newSession(ctx, patient, facilityID)
	if err != nil {
		return uc.fail(ctx, err, patient, facilityID, createContext, nil)
	}
	slog.Debug("cw_register_patient", "patient_id", patient.ID, "identifiers", len(s.payload.Identifiers))

	registered, err := uc.registerPatient(ctx, s)
	if err != nil {
		return uc.fail(ctx, err, patient, facilityID, createContext, s)
	}
	if _, err := uc.findOrCreatePersonAndLink(ctx, s, registered); err != nil {
		return uc.fail(ctx, err, patient, facilityID, createContext, s)
	}
	return nil
}

func (uc *IdentitySyncUseCase) syncUpdate(ctx context.Context, patient *domain.Patient, facilityID string) error {
	identity, ok := patient.Identity(uc.source)
	if !ok {
		uc.capture.CaptureWarning(ctx, "Could not find external data on Patient, creating it @ CW", map[string]any{
			"patientId": patient.ID,
			"context":   updateContext,
		})
		return uc.syncCreate(ctx, patient, facilityID)
	}

	s, err := uc.newSession(ctx, patient, facilityID)
	if err != nil {
		return uc.fail(ctx, err, patient, facilityID, updateContext, nil)
	}
	if err := uc.update(ctx, s, identity); err != nil {
		return uc.fail(ctx, err, patient, facilityID, updateContext, s)
	}
	return nil
}

func (uc *IdentitySyncUseCase) update(ctx context.Context, s *identitySession, identity domain.NetworkIdentity) error {
	updated, err := s.client.UpdatePatient(ctx, s.payload, identity.RemotePatientID)
	if err != nil {
		return fmt.Errorf("update patient: %w", err)
	}
	if updated.SelfLink == "" {
		return domain.WrapError(domain.ErrRegistration, "update patient", errors.New("could not determine the patient ref link"))
	}
	registered := domain.RegisteredPatient{ID: identity.RemotePatientID, SelfLink: updated.SelfLink}

	if identity.RemotePersonID == "" {
		_, err := uc.findOrCreatePersonAndLink(ctx, s, registered)
		return err
	}
	personID := identity.RemotePersonID

	person, err := s.client.UpdatePerson(ctx, personFromPatient(s.payload), personID)
	switch domain.NetworkErrorKind(err) {
	case domain.KindOK:
		if !person.Enrolled {
			reenrolled, err := s.client.ReenrollPerson(ctx, personID)
			if err != nil {
				return fmt.Errorf("reenroll person %s: %w", personID, err)
			}
			person = reenrolled
		}
	case domain.KindNotFound:
		uc.capture.CaptureWarning(ctx, "Got 404 when trying to update person @ CW, trying to find/create it", map[string]any{
			"patientId":           s.patient.ID,
			"commonwellPatientId": identity.RemotePatientID,
			"personId":            personID,
			"cwReference":         domain.NetworkReference(err),
			"context":             updateContext,
		})
		_, err := uc.findOrCreatePersonAndLink(ctx, s, registered)
		return err
	default:
		return fmt.Errorf("update person %s: %w", personID, err)
	}

	if err := uc.upgradePatientLink(ctx, s, person, personID, registered); err != nil {
		return err
	}
	uc.autoUpgradeNetworkLinks(ctx, s, registered.ID, personID, updateContext)
	return nil
}

// upgradePatientLink raises the Person<>Patient link toward the trust
// threshold. Links already at or above the threshold are left alone.
func (uc *IdentitySyncUseCase) upgradePatientLink(
	ctx context.Context,
	s *identitySession,
	person domain.RemotePerson,
	personID string,
	registered domain.RegisteredPatient,
) error {
	links, err := s.client.GetPatientLinks(ctx, personID)
	if err != nil {
		return fmt.Errorf("get patient links of person %s: %w", personID, err)
	}
	link, hasLink := findPatientLink(links, registered.ID)
	shared := domain.MatchingStrongIDs(person.Details.Identifier, s.payload.Details.Identifier)

	if hasLink && (link.Trust.AtLeast(domain.TrustThreshold) || len(shared) == 0) {
		return nil
	}
	if _, err := s.client.AddOrUpgradePatientLink(ctx, personID, registered.SelfLink, firstIdentifier(shared)); err != nil {
		return fmt.Errorf("upgrade patient/person link, person %s: %w", personID, err)
	}
	return nil
}

func (uc *IdentitySyncUseCase) syncDelete(ctx context.Context, patient *domain.Patient, facilityID string) error {
	identity, ok := patient.Identity(uc.source)
	if !ok {
		slog.Info("cw_delete_skipped", "patient_id", patient.ID, "reason", "no network identity")
		return nil
	}
	s, err := uc.newSession(ctx, patient, facilityID)
	if err != nil {
		return uc.fail(ctx, err, patient, facilityID, deleteContext, nil)
	}
	if err := s.client.DeletePatient(ctx, identity.RemotePatientID); err != nil {
		return uc.fail(ctx, fmt.Errorf("delete patient: %w", err), patient, facilityID, deleteContext, s)
	}
	return nil
}

func (uc *IdentitySyncUseCase) registerPatient(ctx context.Context, s *identitySession) (domain.RegisteredPatient, error) {
	registered, err := s.client.RegisterPatient(ctx, s.payload)
	if err != nil {
		return domain.RegisteredPatient{}, fmt.Errorf("register patient: %w", err)
	}
	if registered.ID == "" {
		return domain.RegisteredPatient{}, domain.WrapError(domain.ErrRegistration, "register patient",
			errors.New("could not determine the patient ID from the network"))
	}

	if err := uc.storeIdentity(ctx, s.patient, domain.NetworkIdentity{RemotePatientID: registered.ID}); err != nil {
		return domain.RegisteredPatient{}, err
	}

	if registered.SelfLink == "" {
		return domain.RegisteredPatient{}, domain.WrapError(domain.ErrRegistration, "register patient",
			fmt.Errorf("could not determine the patient ref link, patient %s created but not the person", registered.ID))
	}
	return registered, nil
}

func (uc *IdentitySyncUseCase) findOrCreatePersonAndLink(
	ctx context.Context,
	s *identitySession,
	registered domain.RegisteredPatient,
) (string, error) {
	candidates, err := s.client.FindPerson(ctx, s.payload, registered.ID)
	if err != nil {
		return "", fmt.Errorf("find person: %w", err)
	}

	var person domain.RemotePerson
	if len(candidates) > 0 {
		if len(candidates) > 1 {
			slog.Info("cw_multiple_persons_found", "patient_id", s.patient.ID, "count", len(candidates))
		}
		person = candidates[0]
	} else {
		person, err = s.client.EnrollPerson(ctx, personFromPatient(s.payload))
		if err != nil {
			return "", fmt.Errorf("enroll person: %w", err)
		}
	}
	if person.ID == "" {
		return "", domain.WrapError(domain.ErrRegistration, "find or create person", errors.New("network did not return the person id"))
	}

	if err := uc.storeIdentity(ctx, s.patient, domain.NetworkIdentity{
		RemotePatientID: registered.ID,
		RemotePersonID:  person.ID,
	}); err != nil {
		return "", err
	}

	shared := domain.MatchingStrongIDs(person.Details.Identifier, s.payload.Details.Identifier)
	if _, err := s.client.AddOrUpgradePatientLink(ctx, person.ID, registered.SelfLink, firstIdentifier(shared)); err != nil {
		return "", fmt.Errorf("link patient to person %s: %w", person.ID, err)
	}

	uc.autoUpgradeNetworkLinks(ctx, s, registered.ID, person.ID, createContext)
	return person.ID, nil
}

// autoUpgradeNetworkLinks upgrades LOLA1 network links to LOLA2. It never
// fails the sync: errors are captured and the loop moves on.
func (uc *IdentitySyncUseCase) autoUpgradeNetworkLinks(ctx context.Context, s *identitySession, remotePatientID, personID, logContext string) {
	links, err := s.client.ListNetworkLinks(ctx, remotePatientID)
	if err != nil {
		uc.capture.CaptureError(ctx, fmt.Errorf("list network links: %w", err), map[string]any{
			"commonwellPatientId": remotePatientID,
			"personId":            personID,
			"cwReference":         domain.NetworkReference(err),
			"context":             logContext,
		})
		return
	}

	upgraded := 0
	for _, link := range links {
		if link.Trust != domain.TrustLevel1 || link.UpgradeRef == "" {
			continue
		}
		if err := s.client.UpgradeNetworkLink(ctx, link); err != nil {
			uc.capture.CaptureError(ctx, fmt.Errorf("upgrade network link: %w", err), map[string]any{
				"commonwellPatientId": remotePatientID,
				"personId":            personID,
				"link":                link.PatientRef,
				"cwReference":         domain.NetworkReference(err),
				"context":             logContext,
			})
			continue
		}
		upgraded++
	}
	slog.Debug("cw_network_links_upgraded", "commonwell_patient_id", remotePatientID, "total", len(links), "upgraded", upgraded)
}

func (uc *IdentitySyncUseCase) newSession(ctx context.Context, patient *domain.Patient, facilityID string) (*identitySession, error) {
	fc, err := uc.facilities.GetFacilityContext(ctx, patient.TenantID, facilityID)
	if err != nil {
		return nil, fmt.Errorf("load facility context: %w", err)
	}
	client, err := uc.clients.ForFacility(fc)
	if err != nil {
		return nil, fmt.Errorf("build network client: %w", err)
	}
	return &identitySession{
		patient:    patient,
		facilityID: facilityID,
		fc:         fc,
		client:     client,
		payload:    remotePatientFromLocal(patient, fc),
	}, nil
}

func (uc *IdentitySyncUseCase) storeIdentity(ctx context.Context, patient *domain.Patient, identity domain.NetworkIdentity) error {
	if err := uc.patients.StoreNetworkIdentity(ctx, patient.TenantID, patient.ID, uc.source, identity); err != nil {
		return fmt.Errorf("store network identity: %w", err)
	}
	if patient.ExternalData == nil {
		patient.ExternalData = make(map[domain.NetworkSource]domain.NetworkIdentity)
	}
	current := patient.ExternalData[uc.source]
	if current.RemotePatientID == "" {
		current.RemotePatientID = identity.RemotePatientID
	}
	if identity.RemotePersonID != "" {
		current.RemotePersonID = identity.RemotePersonID
	}
	patient.ExternalData[uc.source] = current
	return nil
}

func (uc *IdentitySyncUseCase) fail(
	ctx context.Context,
	err error,
	patient *domain.Patient,
	facilityID, logContext string,
	s *identitySession,
) error {
	extra := map[string]any{
		"patientId":   patient.ID,
		"tenantId":    patient.TenantID,
		"facilityId":  facilityID,
		"cwReference": domain.NetworkReference(err),
		"context":     logContext,
	}
	if s != nil {
		extra["payload"] = s.payload
	}
	slog.Error("cw_identity_sync_failed", "patient_id", patient.ID, "facility_id", facilityID, "context", logContext, "error", err)
	uc.capture.CaptureError(ctx, err, extra)
	return err
}

func findPatientLink(links []domain.PatientLink, remotePatientID string) (domain.PatientLink, bool) {
	for _, l := range links {
		if remotePatientID != "" && strings.Contains(l.PatientRef, remotePatientID) && l.Trust != domain.TrustUnknown {
			return l, true
		}
	}
	return domain.PatientLink{}, false
}

func firstIdentifier(ids []domain.Identifier) *domain.Identifier {
	if len(ids) == 0 {
		return nil
	}
	id := ids[0]
	return &id
}
