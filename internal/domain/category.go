package domain

// Category is the coarse class assigned to a query.
type Category string

const (
	CategoryGeneral          Category = "general"
	CategoryIncomeProjection Category = "income_projection"
	CategoryTax              Category = "tax"
	CategoryCompliance       Category = "compliance"
	CategoryAdvice           Category = "advice"
)

// DataDependent reports whether answers in this category must be sourced from
// tool data.
func (c Category) DataDependent() bool {
	switch c {
	case CategoryIncomeProjection, CategoryTax, CategoryCompliance:
		return true
	default:
		return false
	}
}

// Valid reports whether c is one of the enumerated categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryGeneral, CategoryIncomeProjection, CategoryTax, CategoryCompliance, CategoryAdvice:
		return true
	default:
		return false
	}
}
