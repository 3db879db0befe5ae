package templates

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/whatsapp"
)

type RegisterInput struct {
	CodeName    string         `json:"code_name" binding:"required"`
	Language    string         `json:"language" binding:"required"`
	DisplayName string         `json:"display_name"`
	Category    string         `json:"category" binding:"required"`
	HeaderText  string         `json:"header_text"`
	BodyText    string         `json:"body_text" binding:"required"`
	FooterText  string         `json:"footer_text"`
	SampleVars  map[int]string `json:"sample_vars"`
}

// Register validates the template markers, stores it as pending and
// submits it for review. A provider failure leaves the local row in
// place without a provider id so it can be resubmitted.
func Register(ctx context.Context, store *database.Store, providers whatsapp.ProviderFactory, acc *models.Account, in RegisterInput) (*models.Template, error) {
	in.CodeName = strings.TrimSpace(strings.ToLower(in.CodeName))
	n, err := CountVariables(in.HeaderText, in.BodyText, in.FooterText)
	if err != nil {
		return nil, err
	}
	if strings.Contains(in.FooterText, "{{") {
		return nil, fmt.Errorf("%w: footer cannot carry variables", ErrMalformedVariables)
	}

	tpl := &models.Template{
		AccountID:      acc.ID,
		CodeName:       in.CodeName,
		Language:       in.Language,
		DisplayName:    in.DisplayName,
		Category:       strings.ToUpper(in.Category),
		HeaderText:     in.HeaderText,
		BodyText:       in.BodyText,
		FooterText:     in.FooterText,
		VariablesCount: n,
		Status:         models.TemplatePending,
		Active:         true,
	}
	if len(in.SampleVars) > 0 {
		raw, _ := json.Marshal(in.SampleVars)
		tpl.SampleVarsJSON = datatypes.JSON(raw)
	}
	if err := store.CreateTemplate(ctx, tpl); err != nil {
		return nil, err
	}

	p, err := providers.ForAccount(acc)
	if err != nil {
		return tpl, err
	}
	st, err := p.CreateTemplate(ctx, buildRequest(tpl, in.SampleVars))
	if err != nil {
		log.WithError(err).WithField("template_id", tpl.ID).Warn("[TEMPLATES] submission failed")
		return tpl, err
	}

	updates := map[string]interface{}{"provider_template_id": st.ID}
	if status, ok := ProviderStatus(st.Status); ok {
		updates["status"] = status
		tpl.Status = status
	}
	if err := store.UpdateTemplate(ctx, tpl.ID, updates); err != nil {
		return tpl, err
	}
	tpl.ProviderTemplateID = st.ID
	log.WithFields(log.Fields{"template_id": tpl.ID, "provider_template_id": st.ID}).Info("[TEMPLATES] submitted for review")
	return tpl, nil
}

func buildRequest(tpl *models.Template, samples map[int]string) whatsapp.TemplateRequest {
	example := func(text string) []string {
		var out []string
		for _, n := range markers(text) {
			v := samples[n]
			if v == "" {
				v = fmt.Sprintf("sample%d", n)
			}
			out = append(out, v)
		}
		return out
	}

	req := whatsapp.TemplateRequest{
		Name:     tpl.CodeName,
		Language: tpl.Language,
		Category: tpl.Category,
	}
	if tpl.HeaderText != "" {
		c := whatsapp.TemplateComponent{
			Type: "HEADER", Format: "TEXT", Text: tpl.HeaderText,
		}
		if ex := example(tpl.HeaderText); len(ex) > 0 {
			c.Example = &whatsapp.TemplateExample{HeaderText: ex}
		}
		req.Components = append(req.Components, c)
	}
	body := whatsapp.TemplateComponent{Type: "BODY", Text: tpl.BodyText}
	if ex := example(tpl.BodyText); len(ex) > 0 {
		body.Example = &whatsapp.TemplateExample{BodyText: [][]string{ex}}
	}
	req.Components = append(req.Components, body)
	if tpl.FooterText != "" {
		req.Components = append(req.Components, whatsapp.TemplateComponent{Type: "FOOTER", Text: tpl.FooterText})
	}
	return req
}
