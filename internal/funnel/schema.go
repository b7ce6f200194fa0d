// Package funnel implements the lead qualification funnel: the ordered field
// table, the per-field validators and normalizers, and the state machine that
// walks a session through them one question at a time.
package funnel

// Field keys, in asking order. They double as the stored column names.
const (
	KeyName         = "nome"
	KeyPhone        = "telefone"
	KeyEmail        = "email"
	KeyOperation    = "operacao"
	KeyPropertyType = "tipo_imovel"
	KeyArea         = "metragem"
	KeyBedrooms     = "quartos"
	KeyPriceRange   = "faixa_preco"
	KeyUrgency      = "urgencia"
)

// FieldSpec describes one question of the funnel.
type FieldSpec struct {
	Key       string
	Prompt    string
	Validate  func(raw string) bool
	Normalize func(raw string) string
	ErrorText string
}

var fields = []FieldSpec{
	{
		Key:       KeyName,
		Prompt:    "Qual é o seu nome completo?",
		Validate:  validFullName,
		Normalize: trimmed,
		ErrorText: "Por favor, informe **nome e sobrenome**.",
	},
	{
		Key:       KeyPhone,
		Prompt:    "Informe seu telefone com DDD (11 dígitos, ex: 11987654321):",
		Validate:  validPhone,
		Normalize: trimmed,
		ErrorText: "Telefone deve ter **11 dígitos** (DDD + número), ex.: 11987654321.",
	},
	{
		Key:       KeyEmail,
		Prompt:    "Qual é o seu e-mail?",
		Validate:  validEmail,
		Normalize: trimmed,
		ErrorText: "Digite um **e-mail válido**, ex.: nome@dominio.com.",
	},
	{
		Key:       KeyOperation,
		Prompt:    "Você deseja comprar ou alugar? (Digite 1 para Compra ou 2 para Aluguel)",
		Validate:  validOperation,
		Normalize: normalizeOperation,
		ErrorText: "Responda com **1** (Compra) ou **2** (Aluguel).",
	},
	{
		Key:       KeyPropertyType,
		Prompt:    "Qual tipo de imóvel você procura? (casa, apartamento ou outro)",
		Validate:  validPropertyType,
		Normalize: lowered,
		ErrorText: "Escolha entre **casa**, **apartamento** ou **outro**.",
	},
	{
		Key:       KeyArea,
		Prompt:    "Qual a metragem desejada? (apenas números, ex: 80)",
		Validate:  validNumber,
		Normalize: normalizeNumber,
		ErrorText: "Digite **apenas números**, ex.: 80.",
	},
	{
		Key:       KeyBedrooms,
		Prompt:    "Quantos quartos você deseja? (apenas números)",
		Validate:  validNumber,
		Normalize: normalizeNumber,
		ErrorText: "Digite **apenas números**, ex.: 2.",
	},
	{
		Key:       KeyPriceRange,
		Prompt:    "Qual a faixa de preço que você tem em mente? (responda livremente)",
		Validate:  acceptAny,
		Normalize: trimmed,
		ErrorText: "A resposta não é válida. Tente novamente.",
	},
	{
		Key:       KeyUrgency,
		Prompt:    "Qual é a urgência da sua busca? (alta, média, baixa)",
		Validate:  validUrgency,
		Normalize: normalizeUrgency,
		ErrorText: "Responda **alta**, **média** ou **baixa**.",
	},
}

// Fields returns a copy of the ordered field table.
func Fields() []FieldSpec {
	out := make([]FieldSpec, len(fields))
	copy(out, fields)
	return out
}

// FieldAt returns the field asked at step i. The second result is false once
// i is past the last field, which means the funnel is complete.
func FieldAt(i int) (FieldSpec, bool) {
	if i < 0 || i >= len(fields) {
		return FieldSpec{}, false
	}
	return fields[i], true
}

// Keys returns the field keys in asking order.
func Keys() []string {
	keys := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = f.Key
	}
	return keys
}

// TotalFields is the number of questions in the funnel.
func TotalFields() int {
	return len(fields)
}

func isKnownKey(key string) bool {
	for _, f := range fields {
		if f.Key == key {
			return true
		}
	}
	return false
}
