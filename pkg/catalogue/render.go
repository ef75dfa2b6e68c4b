package catalogue

import (
	"strconv"
	"strings"
)

// Values fill template placeholders.
type Values struct {
	AgentName string `mapstructure:"agent_name"`
	Brokerage string `mapstructure:"brokerage"`
	Phone     string `mapstructure:"phone"`
	Property  string `mapstructure:"property"`
	Price     string `mapstructure:"price"`
	Bedrooms  string `mapstructure:"bedrooms"`
	Bathrooms string `mapstructure:"bathrooms"`
	Sqft      string `mapstructure:"sqft"`
	YearBuilt string `mapstructure:"year_built"`
}

// Merge returns v with empty fields taken from fallback.
func (v Values) Merge(fallback Values) Values {
	pick := func(a, b string) string {
		if strings.TrimSpace(a) != "" {
			return a
		}
		return b
	}
	return Values{
		AgentName: pick(v.AgentName, fallback.AgentName),
		Brokerage: pick(v.Brokerage, fallback.Brokerage),
		Phone:     pick(v.Phone, fallback.Phone),
		Property:  pick(v.Property, fallback.Property),
		Price:     pick(v.Price, fallback.Price),
		Bedrooms:  pick(v.Bedrooms, fallback.Bedrooms),
		Bathrooms: pick(v.Bathrooms, fallback.Bathrooms),
		Sqft:      pick(v.Sqft, fallback.Sqft),
		YearBuilt: pick(v.YearBuilt, fallback.YearBuilt),
	}
}

// FormatInt renders n for a placeholder, empty for zero.
func FormatInt(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

// Renderer substitutes placeholders. Placeholders without a value, and
// unknown ones, are kept verbatim.
type Renderer struct {
	values Values
}

func NewRenderer(values Values) *Renderer {
	return &Renderer{values: values}
}

func (r *Renderer) Render(text string) string {
	pairs := []string{}
	add := func(name, value string) {
		if value != "" {
			pairs = append(pairs, "["+name+"]", value)
		}
	}
	add("agent name", r.values.AgentName)
	add("brokerage", r.values.Brokerage)
	add("phone", r.values.Phone)
	add("property", r.values.Property)
	add("price", r.values.Price)
	add("bedrooms", r.values.Bedrooms)
	add("bathrooms", r.values.Bathrooms)
	add("sqft", r.values.Sqft)
	add("year built", r.values.YearBuilt)
	if len(pairs) == 0 {
		return text
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

func (r *Renderer) RenderAll(texts []string) []string {
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = r.Render(t)
	}
	return out
}
