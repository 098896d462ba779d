package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/codequality/rule-registry/pkg/tenancy"
)

// IndexQueue records index publications in the caller's transaction. The
// jobs become visible to index workers only when that transaction commits.
type IndexQueue interface {
	EnqueueRule(tx *gorm.DB, org string, ruleID int64, requestedBy string) error
	EnqueueActiveRule(tx *gorm.DB, activeRuleID int64, requestedBy string) error
}

// Notifier wakes index workers after a commit.
type Notifier interface {
	Notify()
}

// API groups the components behind the rule HTTP actions.
type API struct {
	db       *gorm.DB
	rules    *RuleStore
	profiles *ProfileStore
	show     *ShowService
	creator  *RuleCreator
	actives  *ActiveRuleManager
	admin    *RuleAdmin
	audit    *AuditStore
	queue    IndexQueue
	notifier Notifier
	logger   *slog.Logger
}

// NewAPI wires the rule components on db. notifier may be nil.
func NewAPI(db *gorm.DB, renderer *MarkdownRenderer, queue IndexQueue, notifier Notifier, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	rules := NewRuleStore(db)
	profiles := NewProfileStore(db)
	return &API{
		db:       db,
		rules:    rules,
		profiles: profiles,
		show:     NewShowService(rules, profiles, NewResolver(renderer)),
		creator:  NewRuleCreator(rules),
		actives:  NewActiveRuleManager(rules, profiles),
		admin:    NewRuleAdmin(rules, profiles),
		audit:    NewAuditStore(db),
		queue:    queue,
		notifier: notifier,
		logger:   logger,
	}
}

// createRuleRequest is the JSON body of the create action.
type createRuleRequest struct {
	TemplateKey         string            `json:"templateKey"`
	CustomKey           string            `json:"customKey"`
	Name                string            `json:"name"`
	Severity            string            `json:"severity"`
	Status              RuleStatus        `json:"status"`
	MarkdownDescription string            `json:"markdownDescription"`
	Params              map[string]string `json:"params"`
}

// updateRuleRequest is the JSON body of the update action. Absent fields
// are left unchanged.
type updateRuleRequest struct {
	Key          string           `json:"key"`
	Remediation  *remediationBody `json:"remediation"`
	Tags         []string         `json:"tags"`
	MarkdownNote *string          `json:"markdownNote"`
}

// remediationBody is an override triple. Empty fields are absent, and an
// empty function resets the override.
type remediationBody struct {
	Function      string `json:"function"`
	GapMultiplier string `json:"gapMultiplier"`
	BaseEffort    string `json:"baseEffort"`
}

func (b *remediationBody) remediation() *Remediation {
	if b == nil {
		return nil
	}
	var r Remediation
	if b.Function != "" {
		fn := RemediationFunctionType(b.Function)
		r.Function = &fn
	}
	if b.GapMultiplier != "" {
		r.GapMultiplier = stringPtr(b.GapMultiplier)
	}
	if b.BaseEffort != "" {
		r.BaseEffort = stringPtr(b.BaseEffort)
	}
	return &r
}

// deleteRuleRequest is the JSON body of the delete action.
type deleteRuleRequest struct {
	Key string `json:"key"`
}

// activationRequest is the JSON body of the activate and deactivate actions.
type activationRequest struct {
	ProfileKey string            `json:"profileKey"`
	RuleKey    string            `json:"ruleKey"`
	Severity   string            `json:"severity,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

type activeRuleResponse struct {
	ProfileKey string            `json:"qProfile"`
	RuleKey    string            `json:"rule"`
	Severity   string            `json:"severity"`
	Params     map[string]string `json:"params"`
}

type historyResponse struct {
	Items         []ruleEvent `json:"items"`
	NextPageToken string      `json:"nextPageToken,omitempty"`
}

type ruleEvent struct {
	ID        string         `json:"id"`
	EventType string         `json:"eventType"`
	Actor     string         `json:"actor"`
	Outcome   string         `json:"outcome"`
	ProfileID *int64         `json:"profileId,omitempty"`
	NewValue  map[string]any `json:"newValue,omitempty"`
	CreatedAt string         `json:"createdAt"`
}

// showHandler serves GET /api/rules/show?key=repo:rule&actives=true.
func (a *API) showHandler(w http.ResponseWriter, r *http.Request) {
	key, err := ParseRuleKey(r.URL.Query().Get("key"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	includeActives := false
	if v := r.URL.Query().Get("actives"); v != "" {
		includeActives, err = strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid actives flag %q", v))
			return
		}
	}

	resp, err := a.show.Show(r.Context(), nil, ShowRuleRequest{
		Organization:   tenancy.OrganizationFromContext(r.Context()),
		Key:            key,
		IncludeActives: includeActives,
	})
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// createHandler serves POST /api/rules/create. The rule, its audit event and
// its index jobs commit together; the response reads the committed rule back.
// The definition is visible to every organization, so each one known to the
// store gets a rule job.
func (a *API) createHandler(w http.ResponseWriter, r *http.Request) {
	var body createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	templateKey, err := ParseRuleKey(body.TemplateKey)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	ctx := r.Context()
	org := tenancy.OrganizationFromContext(ctx)
	actor := tenancy.UserFromContext(ctx)

	var key RuleKey
	err = a.inSession(ctx, func(sess *Session) error {
		var err error
		key, err = a.creator.Create(ctx, sess, org, NewCustomRule{
			TemplateKey:         templateKey,
			CustomKey:           body.CustomKey,
			Name:                body.Name,
			Severity:            body.Severity,
			Status:              body.Status,
			MarkdownDescription: body.MarkdownDescription,
			Params:              body.Params,
		})
		if err != nil {
			return err
		}
		def, err := a.rules.FindDefinitionByKey(ctx, sess, key)
		if err != nil {
			return err
		}
		orgs, err := a.rules.ListOrganizations(ctx, sess)
		if err != nil {
			return err
		}
		if err := a.enqueueRule(sess, sortedUnion(orgs, []string{org}), def.ID, actor); err != nil {
			return err
		}
		return a.audit.Append(ctx, sess, &RuleEventRecord{
			OrganizationUUID: org,
			RuleID:           def.ID,
			EventType:        EventCustomRuleCreated,
			Actor:            actor,
			NewValue: JSONAny{
				"key":         key.String(),
				"templateKey": templateKey.String(),
				"severity":    body.Severity,
			},
		})
	})
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.logger.Info("custom rule created", "ruleKey", key.String(), "organization", org, "actor", actor)

	resp, err := a.show.Show(ctx, nil, ShowRuleRequest{Organization: org, Key: key})
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// updateHandler serves POST /api/rules/update. It changes the metadata of
// the caller's organization only.
func (a *API) updateHandler(w http.ResponseWriter, r *http.Request) {
	var body updateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	key, err := ParseRuleKey(body.Key)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	ctx := r.Context()
	org := tenancy.OrganizationFromContext(ctx)
	actor := tenancy.UserFromContext(ctx)

	err = a.inSession(ctx, func(sess *Session) error {
		def, err := a.admin.UpdateMetadata(ctx, sess, org, RuleUpdate{
			Key:          key,
			Remediation:  body.Remediation.remediation(),
			Tags:         body.Tags,
			MarkdownNote: body.MarkdownNote,
			Actor:        actor,
		})
		if err != nil {
			return err
		}
		if err := a.queue.EnqueueRule(sess.DB(), org, def.ID, actor); err != nil {
			return err
		}
		changed := JSONAny{}
		if body.Remediation != nil {
			changed["remediation"] = body.Remediation
		}
		if body.Tags != nil {
			changed["tags"] = body.Tags
		}
		if body.MarkdownNote != nil {
			changed["markdownNote"] = *body.MarkdownNote
		}
		return a.audit.Append(ctx, sess, &RuleEventRecord{
			OrganizationUUID: org,
			RuleID:           def.ID,
			EventType:        EventRuleUpdated,
			Actor:            actor,
			NewValue:         changed,
		})
	})
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.logger.Info("rule updated", "ruleKey", key.String(), "organization", org, "actor", actor)

	resp, err := a.show.Show(ctx, nil, ShowRuleRequest{Organization: org, Key: key})
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// deleteHandler serves POST /api/rules/delete. Only custom rules can be
// deleted. Every organization's rule document and every activation document
// is queued for removal in the same transaction.
func (a *API) deleteHandler(w http.ResponseWriter, r *http.Request) {
	var body deleteRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	key, err := ParseRuleKey(body.Key)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	ctx := r.Context()
	org := tenancy.OrganizationFromContext(ctx)
	actor := tenancy.UserFromContext(ctx)

	err = a.inSession(ctx, func(sess *Session) error {
		deleted, err := a.admin.DeleteCustomRule(ctx, sess, key)
		if err != nil {
			return err
		}
		ruleID := deleted.Definition.ID
		if err := a.enqueueRule(sess, sortedUnion(deleted.Organizations, []string{org}), ruleID, actor); err != nil {
			return err
		}
		for _, id := range deleted.ActiveRuleIDs {
			if err := a.queue.EnqueueActiveRule(sess.DB(), id, actor); err != nil {
				return err
			}
		}
		return a.audit.Append(ctx, sess, &RuleEventRecord{
			OrganizationUUID: org,
			RuleID:           ruleID,
			EventType:        EventCustomRuleDeleted,
			Actor:            actor,
			NewValue:         JSONAny{"key": key.String(), "activations": len(deleted.ActiveRuleIDs)},
		})
	})
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.logger.Info("custom rule deleted", "ruleKey", key.String(), "organization", org, "actor", actor)
	w.WriteHeader(http.StatusNoContent)
}

// activateHandler serves POST /api/qualityprofiles/activate_rule.
func (a *API) activateHandler(w http.ResponseWriter, r *http.Request) {
	body, ruleKey, ok := a.decodeActivation(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	org := tenancy.OrganizationFromContext(ctx)
	actor := tenancy.UserFromContext(ctx)

	var active *ActiveRule
	err := a.inSession(ctx, func(sess *Session) error {
		profile, def, err := a.lookupActivation(ctx, sess, org, body.ProfileKey, ruleKey)
		if err != nil {
			return err
		}
		active, err = a.actives.Activate(ctx, sess, ActivateRequest{
			ProfileID: profile.ID,
			RuleID:    def.ID,
			Severity:  body.Severity,
			Params:    body.Params,
		})
		if err != nil {
			return err
		}
		if err := a.queue.EnqueueActiveRule(sess.DB(), active.Record.ID, actor); err != nil {
			return err
		}
		params := make(map[string]any, len(active.Params))
		for _, p := range active.Params {
			params[p.Key] = p.Value
		}
		return a.audit.Append(ctx, sess, &RuleEventRecord{
			OrganizationUUID: org,
			RuleID:           def.ID,
			ProfileID:        &profile.ID,
			EventType:        EventRuleActivated,
			Actor:            actor,
			NewValue:         JSONAny{"severity": active.Record.Severity, "params": params},
		})
	})
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.logger.Info("rule activated", "ruleKey", ruleKey.String(), "profileKey", body.ProfileKey, "actor", actor)

	resp := activeRuleResponse{
		ProfileKey: body.ProfileKey,
		RuleKey:    ruleKey.String(),
		Severity:   active.Record.Severity,
		Params:     make(map[string]string, len(active.Params)),
	}
	for _, p := range active.Params {
		resp.Params[p.Key] = p.Value
	}
	writeJSON(w, http.StatusOK, resp)
}

// deactivateHandler serves POST /api/qualityprofiles/deactivate_rule.
func (a *API) deactivateHandler(w http.ResponseWriter, r *http.Request) {
	body, ruleKey, ok := a.decodeActivation(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	org := tenancy.OrganizationFromContext(ctx)
	actor := tenancy.UserFromContext(ctx)

	err := a.inSession(ctx, func(sess *Session) error {
		profile, def, err := a.lookupActivation(ctx, sess, org, body.ProfileKey, ruleKey)
		if err != nil {
			return err
		}
		removed, err := a.actives.Deactivate(ctx, sess, profile.ID, def.ID)
		if err != nil {
			return err
		}
		if err := a.queue.EnqueueActiveRule(sess.DB(), removed.ID, actor); err != nil {
			return err
		}
		return a.audit.Append(ctx, sess, &RuleEventRecord{
			OrganizationUUID: org,
			RuleID:           def.ID,
			ProfileID:        &profile.ID,
			EventType:        EventRuleDeactivated,
			Actor:            actor,
		})
	})
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.logger.Info("rule deactivated", "ruleKey", ruleKey.String(), "profileKey", body.ProfileKey, "actor", actor)
	w.WriteHeader(http.StatusNoContent)
}

// historyHandler serves GET /api/rules/history?key=repo:rule.
func (a *API) historyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key, err := ParseRuleKey(r.URL.Query().Get("key"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	def, err := a.rules.FindDefinitionByKey(ctx, nil, key)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	pageSize := 20
	if ps := r.URL.Query().Get("pageSize"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 {
			pageSize = v
		}
	}
	org := tenancy.OrganizationFromContext(ctx)
	records, next, err := a.audit.ListByRule(ctx, org, def.ID, pageSize, r.URL.Query().Get("pageToken"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	resp := historyResponse{Items: make([]ruleEvent, 0, len(records)), NextPageToken: next}
	for _, rec := range records {
		resp.Items = append(resp.Items, ruleEvent{
			ID:        rec.ID,
			EventType: rec.EventType,
			Actor:     rec.Actor,
			Outcome:   rec.Outcome,
			ProfileID: rec.ProfileID,
			NewValue:  rec.NewValue,
			CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// inSession runs fn in a new session and commits it when fn succeeds, then
// wakes the index workers.
func (a *API) inSession(ctx context.Context, fn func(sess *Session) error) error {
	sess, err := BeginSession(ctx, a.db)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := fn(sess); err != nil {
		return err
	}
	if err := sess.Commit(); err != nil {
		return err
	}
	if a.notifier != nil {
		a.notifier.Notify()
	}
	return nil
}

// enqueueRule queues the rule document of ruleID for each organization.
func (a *API) enqueueRule(sess *Session, orgs []string, ruleID int64, actor string) error {
	for _, org := range orgs {
		if err := a.queue.EnqueueRule(sess.DB(), org, ruleID, actor); err != nil {
			return err
		}
	}
	return nil
}

// lookupActivation resolves the profile and rule of an activation request.
// A profile owned by another organization is reported as not found.
func (a *API) lookupActivation(ctx context.Context, sess *Session, org, profileKey string, ruleKey RuleKey) (*QualityProfileRecord, *RuleDefinitionRecord, error) {
	profile, err := a.profiles.FindProfileByKey(ctx, sess, profileKey)
	if err != nil {
		return nil, nil, err
	}
	if profile.OrganizationUUID != org {
		return nil, nil, notFoundf("quality profile %q", profileKey)
	}
	def, err := a.rules.FindDefinitionByKey(ctx, sess, ruleKey)
	if err != nil {
		return nil, nil, err
	}
	return profile, def, nil
}

func (a *API) decodeActivation(w http.ResponseWriter, r *http.Request) (activationRequest, RuleKey, bool) {
	var body activationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return body, RuleKey{}, false
	}
	if body.ProfileKey == "" {
		writeError(w, http.StatusBadRequest, "profileKey is required")
		return body, RuleKey{}, false
	}
	key, err := ParseRuleKey(body.RuleKey)
	if err != nil {
		a.writeDomainError(w, err)
		return body, RuleKey{}, false
	}
	return body, key, true
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidTemplate),
		errors.Is(err, ErrUnknownParam),
		errors.Is(err, ErrInvalidRemediation),
		errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.logger.Error("rule request failed", "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
