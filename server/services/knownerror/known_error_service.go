package knownerror

import (
	"context"
	"regexp"
	"sort"

	"github.com/benbjohnson/clock"

	"github.com/batchops/batchops/common/gerror"
	"github.com/batchops/batchops/common/logger"
	"github.com/batchops/batchops/common/models"
	"github.com/batchops/batchops/server/store"
)

// KnownErrorService classifies raw failure messages against the known error
// library. Matching is case-insensitive; when several rules match the
// earliest-created rule wins so classifications stay stable as the library grows.
type KnownErrorService struct {
	knownErrorStore store.KnownErrorStore
	clock           clock.Clock
	logger.Log
}

func NewKnownErrorService(knownErrorStore store.KnownErrorStore, clk clock.Clock, logFactory logger.LogFactory) *KnownErrorService {
	return &KnownErrorService{
		knownErrorStore: knownErrorStore,
		clock:           clk,
		Log:             logFactory("KnownErrorService"),
	}
}

// Match returns the earliest-created known error whose regex matches the
// message, or nil if no rule matches. A rule with a pattern that no longer
// compiles is skipped rather than failing the whole match. The library is
// read through txOrNil when a transaction is supplied.
func (s *KnownErrorService) Match(ctx context.Context, txOrNil *store.Tx, message string) (*models.KnownError, error) {
	rules, err := s.knownErrorStore.ListAll(ctx, txOrNil)
	if err != nil {
		return nil, err
	}
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].CreatedAt.Before(rules[j].CreatedAt.Time)
	})
	for _, rule := range rules {
		matcher, err := regexp.Compile("(?i)" + rule.Pattern)
		if err != nil {
			s.Warnf("Skipping known error %q with invalid pattern: %v", rule.Name, err)
			continue
		}
		if matcher.MatchString(message) {
			return rule, nil
		}
	}
	return nil, nil
}

// EnsureDefaults seeds the built-in known error library. Safe to call on every
// startup; entries that already exist by name are left untouched.
func (s *KnownErrorService) EnsureDefaults(ctx context.Context) error {
	now := models.NewTime(s.clock.Now())
	for _, seed := range defaultKnownErrors() {
		_, err := s.knownErrorStore.ReadByName(ctx, nil, seed.Name)
		if err == nil {
			continue
		}
		if !gerror.IsNotFound(err) {
			return err
		}
		knownError := models.NewKnownError(now, seed.Name, seed.Pattern, seed.Severity, seed.Category)
		knownError.RootCause = seed.RootCause
		knownError.CorrectiveAction = seed.CorrectiveAction
		knownError.AutoRetry = seed.AutoRetry
		knownError.MaxAutoRetries = seed.MaxAutoRetries
		err = s.knownErrorStore.Create(ctx, nil, knownError)
		if err != nil {
			if gerror.IsAlreadyExists(err) {
				continue // another process seeded it first
			}
			return err
		}
		s.Infof("Seeded known error %q", seed.Name)
	}
	return nil
}

type knownErrorSeed struct {
	Name             string
	Pattern          string
	Severity         models.Severity
	Category         models.Category
	RootCause        string
	CorrectiveAction string
	AutoRetry        bool
	MaxAutoRetries   int
}

// defaultKnownErrors is the built-in classification library covering the
// failure modes the pipeline itself produces.
func defaultKnownErrors() []knownErrorSeed {
	return []knownErrorSeed{
		{
			Name:             "No columns detected",
			Pattern:          "No columns detected",
			Severity:         models.SeverityHigh,
			Category:         models.CategoryIngest,
			RootCause:        "The uploaded file has no header row or could not be parsed into columns.",
			CorrectiveAction: "Ensure the first row contains column names and re-export the file as a well-formed CSV or Excel file.",
		},
		{
			Name:             "No rows detected",
			Pattern:          "No rows detected",
			Severity:         models.SeverityMedium,
			Category:         models.CategoryIngest,
			RootCause:        "The uploaded file is empty or only contains a header row.",
			CorrectiveAction: "Verify the source system is exporting data and re-upload a file with at least one data row.",
		},
		{
			Name:             "Required columns missing",
			Pattern:          "Required columns missing",
			Severity:         models.SeverityHigh,
			Category:         models.CategorySchema,
			RootCause:        "The file schema does not match the expected template for this department.",
			CorrectiveAction: "Update the export to include all required columns (e.g. student_id, score) and re-upload.",
		},
		{
			Name:             "Unsupported file type",
			Pattern:          "Unsupported file type",
			Severity:         models.SeverityLow,
			Category:         models.CategoryIngest,
			RootCause:        "The file extension is not supported by the pipeline loader.",
			CorrectiveAction: "Convert the file to CSV, XLSX/XLS or a tabular PDF and try again.",
		},
		{
			Name:             "No table found in first PDF page",
			Pattern:          "No table found in first PDF page",
			Severity:         models.SeverityMedium,
			Category:         models.CategoryIngest,
			RootCause:        "The PDF does not contain an extractable table on the first page.",
			CorrectiveAction: "Export the results as a table-based PDF or use CSV/Excel instead.",
		},
		{
			Name:             "File not found",
			Pattern:          "File not found",
			Severity:         models.SeverityCritical,
			Category:         models.CategoryStorage,
			RootCause:        "The on-disk file path for this upload is missing or has been moved.",
			CorrectiveAction: "Re-upload the original file so the pipeline can access it again.",
		},
		{
			Name:             "Temporary storage lock",
			Pattern:          "(Resource temporarily unavailable|share violation)",
			Severity:         models.SeverityMedium,
			Category:         models.CategoryInfrastructure,
			RootCause:        "The storage layer briefly locked the file when the pipeline tried to read it.",
			CorrectiveAction: "No manual action required unless the issue persists. The engine retries automatically.",
			AutoRetry:        true,
			MaxAutoRetries:   2,
		},
		{
			Name:             "Encoding mismatch",
			Pattern:          "(invalid UTF-8|codec can't decode)",
			Severity:         models.SeverityHigh,
			Category:         models.CategoryIngest,
			RootCause:        "The file encoding differs from UTF-8.",
			CorrectiveAction: "Re-export the source file as UTF-8 and try again.",
		},
		{
			Name:             "Grade outside range",
			Pattern:          "(score must be between|value out of range)",
			Severity:         models.SeverityMedium,
			Category:         models.CategoryValidation,
			RootCause:        "One or more numeric fields contain values outside the permitted range.",
			CorrectiveAction: "Review the highlighted rows and correct the data before re-uploading.",
		},
		{
			Name:             "Duplicate student rows",
			Pattern:          "Duplicate rows detected",
			Severity:         models.SeverityMedium,
			Category:         models.CategoryValidation,
			RootCause:        "The upload contains duplicate student IDs.",
			CorrectiveAction: "Deduplicate records in the source file and upload again.",
		},
	}
}
