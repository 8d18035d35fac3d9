package models

const (
	CategoryParcel    = "parcel"
	CategoryBanking   = "banking"
	CategoryInsurance = "insurance"
	CategoryGeneral   = "general"
)

var categoryPrefixes = map[string]string{
	CategoryParcel:    "P",
	CategoryBanking:   "B",
	CategoryInsurance: "I",
	CategoryGeneral:   "G",
}

// CategoryPrefix returns the display-code letter for a category. Callers
// must validate the category first; unknown categories get no fallback.
func CategoryPrefix(category string) (string, bool) {
	prefix, ok := categoryPrefixes[category]
	return prefix, ok
}

func ValidCategory(category string) bool {
	_, ok := categoryPrefixes[category]
	return ok
}

func Categories() []string {
	return []string{CategoryParcel, CategoryBanking, CategoryInsurance, CategoryGeneral}
}
