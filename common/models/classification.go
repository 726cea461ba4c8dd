package models

// Severity grades the operational impact of an incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severities = map[string]Severity{
	string(SeverityLow):      SeverityLow,
	string(SeverityMedium):   SeverityMedium,
	string(SeverityHigh):     SeverityHigh,
	string(SeverityCritical): SeverityCritical,
}

func (s Severity) Valid() bool {
	_, ok := severities[string(s)]
	return ok
}

func (s Severity) String() string {
	return string(s)
}

// Category groups failures by the part of the pipeline that produced them.
type Category string

const (
	CategoryIngest         Category = "ingest"
	CategorySchema         Category = "schema"
	CategoryValidation     Category = "validation"
	CategoryTransform      Category = "transform"
	CategoryRuntime        Category = "runtime"
	CategoryStorage        Category = "storage"
	CategoryInfrastructure Category = "infrastructure"
	CategoryPublish        Category = "publish"
)

var categories = map[string]Category{
	string(CategoryIngest):         CategoryIngest,
	string(CategorySchema):         CategorySchema,
	string(CategoryValidation):     CategoryValidation,
	string(CategoryTransform):      CategoryTransform,
	string(CategoryRuntime):        CategoryRuntime,
	string(CategoryStorage):        CategoryStorage,
	string(CategoryInfrastructure): CategoryInfrastructure,
	string(CategoryPublish):        CategoryPublish,
}

func (c Category) Valid() bool {
	_, ok := categories[string(c)]
	return ok
}

func (c Category) String() string {
	return string(c)
}
