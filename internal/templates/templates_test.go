package templates

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"whatsapp-inbox/internal/database/dbtest"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/whatsapp"
	"whatsapp-inbox/internal/whatsapp/whatsapptest"
)

func TestCountVariables(t *testing.T) {
	cases := []struct {
		parts []string
		want  int
		bad   bool
	}{
		{[]string{"", "Olá {{1}}, seu pedido {{2}} saiu", ""}, 2, false},
		{[]string{"Oi {{1}}", "{{2}} e {{1}} de novo", "obrigado"}, 2, false},
		{[]string{"", "sem variáveis", ""}, 0, false},
		{[]string{"", "{{1}} e {{3}}", ""}, 0, true},
		{[]string{"", "{{2}}", ""}, 0, true},
		{[]string{"", "{{ 1 }}", ""}, 1, false},
	}
	for _, tc := range cases {
		got, err := CountVariables(tc.parts...)
		if tc.bad {
			if !errors.Is(err, ErrMalformedVariables) {
				t.Errorf("%q: err = %v, want ErrMalformedVariables", tc.parts, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("%q: got %d, %v; want %d", tc.parts, got, err, tc.want)
		}
	}
}

// Any template built from markers 1..n in shuffled positions counts n.
func TestCountVariablesShuffled(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		n := r.Intn(8)
		var b strings.Builder
		for _, k := range r.Perm(n) {
			fmt.Fprintf(&b, "x {{%d}} ", k+1)
		}
		split := r.Intn(b.Len() + 1)
		text := b.String()
		for split > 0 && split < len(text) && text[split-1] != ' ' {
			split--
		}
		got, err := CountVariables(text[:split], text[split:])
		if err != nil || got != n {
			t.Fatalf("%q: got %d, %v; want %d", text, got, err, n)
		}
	}
}

func TestBuildComponentsPositional(t *testing.T) {
	tpl := &models.Template{
		HeaderText:     "Pedido {{1}}",
		BodyText:       "Olá {{2}}, o pedido {{1}} chega {{3}}",
		VariablesCount: 3,
	}
	comps, err := BuildComponents(tpl, map[int]string{1: "#42", 2: "Maria", 3: "amanhã"})
	if err != nil {
		t.Fatal(err)
	}
	if len(comps) != 2 || comps[0].Type != "header" || comps[1].Type != "body" {
		t.Fatalf("components = %+v", comps)
	}
	var body []string
	for _, p := range comps[1].Parameters {
		body = append(body, p.Text)
	}
	if strings.Join(body, "|") != "#42|Maria|amanhã" {
		t.Errorf("body params = %v", body)
	}

	if _, err := BuildComponents(tpl, map[int]string{1: "x"}); !errors.Is(err, whatsapp.ErrValidation) {
		t.Errorf("missing var err = %v", err)
	}
}

func TestRender(t *testing.T) {
	tpl := &models.Template{BodyText: "Olá {{1}}!", FooterText: "Equipe"}
	if got := Render(tpl, map[int]string{1: "Maria"}); got != "Olá Maria!\nEquipe" {
		t.Errorf("Render = %q", got)
	}
}

func TestReconcilerAppliesTransitions(t *testing.T) {
	ctx := context.Background()
	store := dbtest.New(t)
	acc := dbtest.SeedAccount(t, store, "1000")

	pending := &models.Template{AccountID: acc.ID, CodeName: "welcome", Language: "pt_BR", BodyText: "Oi {{1}}",
		VariablesCount: 1, Status: models.TemplatePending, ProviderTemplateID: "T1", Active: true}
	rejected := &models.Template{AccountID: acc.ID, CodeName: "promo", Language: "pt_BR", BodyText: "Promo",
		Status: models.TemplatePending, ProviderTemplateID: "T2", Active: true}
	unchanged := &models.Template{AccountID: acc.ID, CodeName: "later", Language: "pt_BR", BodyText: "Depois",
		Status: models.TemplatePending, ProviderTemplateID: "T3", Active: true}
	for _, tpl := range []*models.Template{pending, rejected, unchanged} {
		if err := store.CreateTemplate(ctx, tpl); err != nil {
			t.Fatal(err)
		}
	}

	p := whatsapptest.New()
	p.Templates["T1"] = &whatsapp.TemplateStatus{ID: "T1", Status: "APPROVED"}
	p.Templates["T2"] = &whatsapp.TemplateStatus{ID: "T2", Status: "REJECTED", RejectionReason: "INVALID_FORMAT"}
	p.Templates["T3"] = &whatsapp.TemplateStatus{ID: "T3", Status: "PENDING"}

	r := NewReconciler(store, &whatsapptest.Factory{Provider: p}, 0, 10)
	changed, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if changed != 2 {
		t.Errorf("changed = %d, want 2", changed)
	}

	got, _ := store.GetTemplate(ctx, pending.ID)
	if got.Status != models.TemplateApproved {
		t.Errorf("welcome status = %s", got.Status)
	}
	got, _ = store.GetTemplate(ctx, rejected.ID)
	if got.Status != models.TemplateRejected || got.RejectionReason != "INVALID_FORMAT" {
		t.Errorf("promo = %s / %q", got.Status, got.RejectionReason)
	}

	// Approved templates leave the reconcile set.
	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(p.Calls("FetchTemplate")); n != 5 {
		t.Errorf("FetchTemplate calls = %d, want 5", n)
	}
}

func TestApplyWebhookUpdate(t *testing.T) {
	ctx := context.Background()
	store := dbtest.New(t)
	acc := dbtest.SeedAccount(t, store, "1000")
	tpl := &models.Template{AccountID: acc.ID, CodeName: "welcome", Language: "pt_BR", BodyText: "Oi",
		Status: models.TemplateApproved, ProviderTemplateID: "T9", Active: true}
	if err := store.CreateTemplate(ctx, tpl); err != nil {
		t.Fatal(err)
	}

	if err := ApplyWebhookUpdate(ctx, store, acc.ID, "T9", "PAUSED", "NONE"); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetTemplate(ctx, tpl.ID)
	if got.Status != models.TemplateDisabled {
		t.Errorf("status = %s", got.Status)
	}
	if err := ApplyWebhookUpdate(ctx, store, acc.ID, "unknown", "APPROVED", ""); err != nil {
		t.Errorf("unknown template err = %v", err)
	}
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	store := dbtest.New(t)
	acc := dbtest.SeedAccount(t, store, "1000")
	p := whatsapptest.New()
	f := &whatsapptest.Factory{Provider: p}

	tpl, err := Register(ctx, store, f, acc, RegisterInput{
		CodeName: "Welcome", Language: "pt_BR", Category: "utility", BodyText: "Oi {{1}}",
	})
	if err != nil {
		t.Fatal(err)
	}
	if tpl.CodeName != "welcome" || tpl.VariablesCount != 1 || tpl.ProviderTemplateID == "" {
		t.Errorf("template = %+v", tpl)
	}

	_, err = Register(ctx, store, f, acc, RegisterInput{
		CodeName: "broken", Language: "pt_BR", Category: "utility", BodyText: "Oi {{2}}",
	})
	if !errors.Is(err, ErrMalformedVariables) {
		t.Errorf("err = %v", err)
	}
	if n := len(p.Calls("CreateTemplate")); n != 1 {
		t.Errorf("CreateTemplate calls = %d", n)
	}
}
