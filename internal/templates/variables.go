package templates

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/whatsapp"
)

var ErrMalformedVariables = errors.New("template variables must be numbered {{1}}..{{n}} without gaps")

var markerRe = regexp.MustCompile(`\{\{\s*(\d+)\s*\}\}`)

// markers returns the distinct marker numbers in text, ascending.
func markers(text string) []int {
	seen := map[int]bool{}
	var out []int
	for _, m := range markerRe.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// CountVariables returns the number of distinct {{n}} markers across the
// template parts, and ErrMalformedVariables unless they are exactly
// 1..n.
func CountVariables(parts ...string) (int, error) {
	all := markers(strings.Join(parts, "\n"))
	for i, n := range all {
		if n != i+1 {
			return 0, fmt.Errorf("%w: found {{%d}} at position %d", ErrMalformedVariables, n, i+1)
		}
	}
	return len(all), nil
}

// BuildComponents turns a positional variables map into provider
// components, one per template part that has markers, parameters in
// ascending marker order.
func BuildComponents(tpl *models.Template, vars map[int]string) ([]whatsapp.ComponentObj, error) {
	for i := 1; i <= tpl.VariablesCount; i++ {
		if _, ok := vars[i]; !ok {
			return nil, fmt.Errorf("%w: missing value for {{%d}}", whatsapp.ErrValidation, i)
		}
	}

	var components []whatsapp.ComponentObj
	for _, part := range []struct {
		kind, text string
	}{
		{"header", tpl.HeaderText},
		{"body", tpl.BodyText},
	} {
		nums := markers(part.text)
		if len(nums) == 0 {
			continue
		}
		params := make([]whatsapp.ParameterObj, 0, len(nums))
		for _, n := range nums {
			params = append(params, whatsapp.ParameterObj{Type: "text", Text: vars[n]})
		}
		components = append(components, whatsapp.ComponentObj{Type: part.kind, Parameters: params})
	}
	return components, nil
}

// Render substitutes vars into the template for display.
func Render(tpl *models.Template, vars map[int]string) string {
	replace := func(text string) string {
		return markerRe.ReplaceAllStringFunc(text, func(m string) string {
			n, _ := strconv.Atoi(markerRe.FindStringSubmatch(m)[1])
			if v, ok := vars[n]; ok {
				return v
			}
			return m
		})
	}
	var parts []string
	for _, p := range []string{tpl.HeaderText, tpl.BodyText, tpl.FooterText} {
		if p != "" {
			parts = append(parts, replace(p))
		}
	}
	return strings.Join(parts, "\n")
}

// ProviderStatus maps a provider template status onto the local one.
func ProviderStatus(s string) (string, bool) {
	switch strings.ToUpper(s) {
	case "APPROVED":
		return models.TemplateApproved, true
	case "REJECTED":
		return models.TemplateRejected, true
	case "PENDING", "IN_APPEAL", "PENDING_DELETION":
		return models.TemplatePending, true
	case "DISABLED", "PAUSED", "DELETED", "FLAGGED":
		return models.TemplateDisabled, true
	}
	return "", false
}
