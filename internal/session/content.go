package session

// Suggestion is a quick-start pill. Text is submitted as if typed.
type Suggestion struct {
	Label string `json:"label"`
	Text  string `json:"text"`
}

// Suggestions returns the quick-start pills shown before the first message.
func Suggestions() []Suggestion {
	return []Suggestion{
		{Label: "Quero comprar", Text: "Quero comprar um imóvel."},
		{Label: "Quero alugar", Text: "Quero alugar um imóvel."},
		{Label: "Apartamento 2 quartos", Text: "Procuro apartamento com 2 quartos."},
		{Label: "Casa com quintal", Text: "Quero uma casa com quintal."},
		{Label: "Até 300 mil", Text: "Meu orçamento é até 300 mil."},
	}
}

// Disclaimer is the legal notice linked from the chat footer.
const Disclaimer = "Este chatbot é para fins informativos. As respostas podem conter erros " +
	"ou imprecisões. Não insira dados sensíveis. Ao usar, você concorda que " +
	"os conteúdos podem ser utilizados para melhorar o serviço."
