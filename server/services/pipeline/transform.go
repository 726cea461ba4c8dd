package pipeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/batchops/batchops/common/gerror"
	"github.com/batchops/batchops/common/models"
)

// requiredColumnsDefault is the minimal schema every department must satisfy.
var requiredColumnsDefault = []string{"student_id", "score"}

// requiredColumnsByDepartment overrides the required schema per department.
var requiredColumnsByDepartment = map[string][]string{}

func requiredColumns(department string) []string {
	if cols, ok := requiredColumnsByDepartment[department]; ok {
		return cols
	}
	return requiredColumnsDefault
}

// validateDataset checks the standardized dataset against the department
// schema. All violations are collected into one message so the operator sees
// the complete picture in a single incident.
func validateDataset(dataset *models.Dataset, department string) error {
	var errs []string
	if dataset.ColumnCount() == 0 {
		errs = append(errs, "No columns detected")
	}
	if dataset.RowCount() == 0 {
		errs = append(errs, "No rows detected")
	}

	var missing []string
	for _, col := range requiredColumns(department) {
		if !dataset.HasColumn(col) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		errs = append(errs, fmt.Sprintf("Required columns missing: %s", strings.Join(missing, ", ")))
	} else {
		for _, col := range requiredColumns(department) {
			idx := dataset.ColumnIndex(col)
			for rowNum, row := range dataset.Rows {
				if strings.TrimSpace(row[idx]) == "" {
					errs = append(errs, fmt.Sprintf("Empty critical field: %s at row %d", col, rowNum+1))
					break
				}
			}
		}
	}

	if len(errs) > 0 {
		return gerror.NewErrSchemaValidation(strings.Join(errs, "; "))
	}
	return nil
}

// applyProcessMode mutates the dataset per the upload's process mode and
// returns a step log line describing what was done.
func applyProcessMode(dataset *models.Dataset, mode models.ProcessMode, config models.ProcessConfig) (string, error) {
	switch mode {
	case models.ProcessModeTransform:
		return applyTransform(dataset), nil
	case models.ProcessModeAppend:
		return applyAppend(dataset, config)
	case models.ProcessModeDelete:
		return applyDelete(dataset, config)
	case models.ProcessModeCustom:
		notes, _ := config["notes"].(string)
		if notes == "" {
			notes = "no notes supplied"
		}
		return fmt.Sprintf("Custom mode, no automatic mutation. Notes: %s", notes), nil
	}
	return "", gerror.NewErrPlanInvalid(fmt.Sprintf("Unknown process mode %q", mode))
}

// applyTransform trims every cell and normalises numeric-looking values.
func applyTransform(dataset *models.Dataset) string {
	coerced := 0
	for _, row := range dataset.Rows {
		for i, cell := range row {
			trimmed := strings.TrimSpace(cell)
			if value, err := strconv.ParseFloat(trimmed, 64); err == nil && trimmed != "" {
				row[i] = strconv.FormatFloat(value, 'f', -1, 64)
				coerced++
			} else {
				row[i] = trimmed
			}
		}
	}
	return fmt.Sprintf("Transformed dataset (trim + numeric coercion of %d cells)", coerced)
}

// applyAppend appends operator-supplied records, taking the column union with
// the existing schema. Missing fields become empty cells.
func applyAppend(dataset *models.Dataset, config models.ProcessConfig) (string, error) {
	raw, ok := config["records"]
	if !ok {
		return "", gerror.NewErrPlanInvalid("Append mode requires process_config.records")
	}
	records, ok := raw.([]interface{})
	if !ok {
		return "", gerror.NewErrPlanInvalid("process_config.records must be an array of objects")
	}
	appended := 0
	for _, entry := range records {
		record, ok := entry.(map[string]interface{})
		if !ok {
			return "", gerror.NewErrPlanInvalid("process_config.records must be an array of objects")
		}
		// New keys extend the schema deterministically
		var newCols []string
		for key := range record {
			if !dataset.HasColumn(key) {
				newCols = append(newCols, key)
			}
		}
		sort.Strings(newCols)
		for _, col := range newCols {
			dataset.AddColumn(col)
		}

		row := make([]string, dataset.ColumnCount())
		for key, value := range record {
			row[dataset.ColumnIndex(key)] = formatCell(value)
		}
		dataset.AppendRow(row)
		appended++
	}
	return fmt.Sprintf("Appended %d records (%d columns after union)", appended, dataset.ColumnCount()), nil
}

type deleteRule struct {
	column string
	value  string
}

// applyDelete removes rows where every rule matches by exact string equality
// after trimming. The plan is either {column, value} or {rules: [...]}.
func applyDelete(dataset *models.Dataset, config models.ProcessConfig) (string, error) {
	rules, err := parseDeleteRules(config)
	if err != nil {
		return "", err
	}
	for _, rule := range rules {
		if !dataset.HasColumn(rule.column) {
			return "", gerror.NewErrPlanInvalid(fmt.Sprintf("Unknown column in delete rule: %q", rule.column))
		}
	}

	kept := dataset.Rows[:0]
	deleted := 0
	for _, row := range dataset.Rows {
		if matchesAllRules(dataset, row, rules) {
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	dataset.Rows = kept
	return fmt.Sprintf("Deleted %d rows matching %d rules", deleted, len(rules)), nil
}

func parseDeleteRules(config models.ProcessConfig) ([]deleteRule, error) {
	if raw, ok := config["rules"]; ok {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, gerror.NewErrPlanInvalid("process_config.rules must be an array")
		}
		if len(list) == 0 {
			return nil, gerror.NewErrPlanInvalid("process_config.rules must not be empty")
		}
		rules := make([]deleteRule, 0, len(list))
		for _, entry := range list {
			ruleMap, ok := entry.(map[string]interface{})
			if !ok {
				return nil, gerror.NewErrPlanInvalid("each delete rule must be an object with column and value")
			}
			rule, err := parseDeleteRule(ruleMap)
			if err != nil {
				return nil, err
			}
			rules = append(rules, rule)
		}
		return rules, nil
	}
	rule, err := parseDeleteRule(config)
	if err != nil {
		return nil, err
	}
	return []deleteRule{rule}, nil
}

func parseDeleteRule(entry map[string]interface{}) (deleteRule, error) {
	column, ok := entry["column"].(string)
	if !ok || column == "" {
		return deleteRule{}, gerror.NewErrPlanInvalid("Delete rule requires a column name")
	}
	value, ok := entry["value"]
	if !ok {
		return deleteRule{}, gerror.NewErrPlanInvalid("Delete rule requires a value")
	}
	return deleteRule{column: column, value: strings.TrimSpace(formatCell(value))}, nil
}

func matchesAllRules(dataset *models.Dataset, row []string, rules []deleteRule) bool {
	for _, rule := range rules {
		idx := dataset.ColumnIndex(rule.column)
		if strings.TrimSpace(row[idx]) != rule.value {
			return false
		}
	}
	return true
}

// formatCell renders a JSON-decoded value the way it appeared in the source
// document. JSON numbers decode as float64; integral values drop the fraction.
func formatCell(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
