package query

import "strings"

// followupRule maps question keywords to suggested next questions. Rules are
// checked in order and the first match wins.
type followupRule struct {
	keywords  []string
	questions []string
}

var followupRules = []followupRule{
	{
		keywords: []string{"admission", "apply", "application", "eligib", "entrance"},
		questions: []string{
			"What documents are required for admission?",
			"What are the important admission deadlines?",
			"Is there an entrance exam I need to take?",
		},
	},
	{
		keywords: []string{"fee", "tuition", "cost", "scholarship", "financial aid"},
		questions: []string{
			"Are there any scholarships available?",
			"What payment plans are offered?",
			"Are there additional costs beyond tuition?",
		},
	},
	{
		keywords: []string{"placement", "job", "career", "recruit", "internship", "salary"},
		questions: []string{
			"Which companies recruit on campus?",
			"What is the average placement package?",
			"Are internships part of the curriculum?",
		},
	},
	{
		keywords: []string{"course", "program", "degree", "curriculum", "subject", "major"},
		questions: []string{
			"What specializations are available?",
			"How long does the program take to complete?",
			"What are the prerequisites for this course?",
		},
	},
	{
		keywords: []string{"hostel", "housing", "accommodation", "dorm", "residence"},
		questions: []string{
			"What are the hostel fees?",
			"Are rooms single or shared?",
			"What facilities do the hostels provide?",
		},
	},
	{
		keywords: []string{"facilit", "library", "lab", "sports", "campus", "wifi"},
		questions: []string{
			"What are the library timings?",
			"What sports facilities are available?",
			"Are laboratories open to all students?",
		},
	},
}

var defaultFollowups = []string{
	"What programs does the institution offer?",
	"How do I apply for admission?",
	"What are the tuition fees?",
}

// Followups returns suggested next questions for the asked question.
func Followups(question string) []string {
	q := strings.ToLower(question)
	for _, rule := range followupRules {
		for _, kw := range rule.keywords {
			if strings.Contains(q, kw) {
				return rule.questions
			}
		}
	}
	return defaultFollowups
}
