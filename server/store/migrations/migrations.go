package migrations

// DialectTemplate is used as the templating control for differing SQL syntax between our supported databases
type DialectTemplate struct {
	Binary            string
	IntegerPrimaryKey string
}

// MigrationSet provides a set of migrations that can be applied to a database.
type MigrationSet []MigrationData

// MigrationData provides the data for a single migration, including Up and Down SQL.
// Templated values are supported and will be substituted for database-specific values
// before the migrations are applied.
type MigrationData struct {
	SequenceNumber int64
	Name           string
	UpSQL          string
	DownSQL        string
}

// BatchOpsServerMigrations is the set of migrations to set up the database for the BatchOps server.
var BatchOpsServerMigrations = MigrationSet{
	{
		SequenceNumber: 1,
		Name:           "create_uploads",
		UpSQL: `CREATE TABLE IF NOT EXISTS uploads
				(
					upload_id text NOT NULL PRIMARY KEY,
					upload_created_at timestamp without time zone NOT NULL,
					upload_updated_at timestamp without time zone NOT NULL,
					upload_filename text NOT NULL,
					upload_department text NOT NULL,
					upload_received_at timestamp without time zone NOT NULL,
					upload_status text NOT NULL,
					upload_process_mode text NOT NULL,
					upload_process_config text,
					upload_report_csv text,
					upload_report_pdf {{ .Binary }},
					upload_report_generated_at timestamp without time zone
				);
				CREATE INDEX IF NOT EXISTS uploads_status_index ON uploads(upload_status);`,
		DownSQL: `DROP INDEX uploads_status_index;
				  DROP TABLE uploads;`,
	},
	{
		SequenceNumber: 2,
		Name:           "create_jobs",
		UpSQL: `CREATE TABLE IF NOT EXISTS jobs
				(
					job_id text NOT NULL PRIMARY KEY,
					job_created_at timestamp without time zone NOT NULL,
					job_updated_at timestamp without time zone NOT NULL,
					job_name text NOT NULL,
					job_type text NOT NULL,
					job_config text NOT NULL,
					job_schedule_cron text
				);
				CREATE UNIQUE INDEX IF NOT EXISTS jobs_name_unique_index ON jobs(job_name);`,
		DownSQL: `DROP INDEX jobs_name_unique_index;
				  DROP TABLE jobs;`,
	},
	{
		SequenceNumber: 3,
		Name:           "create_job_runs",
		UpSQL: `CREATE TABLE IF NOT EXISTS job_runs
				(
					job_run_id text NOT NULL PRIMARY KEY,
					job_run_created_at timestamp without time zone NOT NULL,
					job_run_job_id text NOT NULL REFERENCES jobs (job_id) ON UPDATE NO ACTION ON DELETE NO ACTION,
					job_run_upload_id text,
					job_run_status text NOT NULL,
					job_run_started_at timestamp without time zone,
					job_run_finished_at timestamp without time zone,
					job_run_duration_ms integer,
					job_run_exit_code integer,
					job_run_details text NOT NULL,
					job_run_logs text NOT NULL
				);
				CREATE INDEX IF NOT EXISTS job_runs_job_id_index ON job_runs(job_run_job_id);
				CREATE INDEX IF NOT EXISTS job_runs_upload_id_index ON job_runs(job_run_upload_id);`,
		DownSQL: `DROP INDEX job_runs_job_id_index;
				  DROP INDEX job_runs_upload_id_index;
				  DROP TABLE job_runs;`,
	},
	{
		SequenceNumber: 4,
		Name:           "create_known_errors",
		UpSQL: `CREATE TABLE IF NOT EXISTS known_errors
				(
					known_error_id text NOT NULL PRIMARY KEY,
					known_error_created_at timestamp without time zone NOT NULL,
					known_error_name text NOT NULL,
					known_error_pattern text NOT NULL,
					known_error_severity text NOT NULL,
					known_error_category text NOT NULL,
					known_error_corrective_action text NOT NULL,
					known_error_root_cause text NOT NULL,
					known_error_auto_retry boolean NOT NULL,
					known_error_max_auto_retries integer NOT NULL
				);
				CREATE UNIQUE INDEX IF NOT EXISTS known_errors_name_unique_index ON known_errors(known_error_name);`,
		DownSQL: `DROP INDEX known_errors_name_unique_index;
				  DROP TABLE known_errors;`,
	},
	{
		SequenceNumber: 5,
		Name:           "create_incidents",
		UpSQL: `CREATE TABLE IF NOT EXISTS incidents
				(
					incident_id text NOT NULL PRIMARY KEY,
					incident_created_at timestamp without time zone NOT NULL,
					incident_upload_id text NOT NULL REFERENCES uploads (upload_id) ON UPDATE NO ACTION ON DELETE NO ACTION,
					incident_job_run_id text,
					incident_stage text NOT NULL,
					incident_state text NOT NULL,
					incident_severity text NOT NULL,
					incident_category text NOT NULL,
					incident_error text NOT NULL,
					incident_root_cause text NOT NULL,
					incident_corrective_action text NOT NULL,
					incident_impact_summary text NOT NULL,
					incident_analysis_notes text NOT NULL,
					incident_resolution_report text NOT NULL,
					incident_matched_known_error_id text,
					incident_is_known boolean NOT NULL,
					incident_auto_retry_count integer NOT NULL,
					incident_max_auto_retries integer NOT NULL,
					incident_detection_source text NOT NULL,
					incident_assignee text NOT NULL,
					incident_timeline text NOT NULL,
					incident_resolved_at timestamp without time zone,
					incident_archived_at timestamp without time zone
				);
				CREATE INDEX IF NOT EXISTS incidents_upload_stage_index ON incidents(incident_upload_id, incident_stage);
				CREATE INDEX IF NOT EXISTS incidents_state_index ON incidents(incident_state);`,
		DownSQL: `DROP INDEX incidents_upload_stage_index;
				  DROP INDEX incidents_state_index;
				  DROP TABLE incidents;`,
	},
	{
		SequenceNumber: 6,
		Name:           "create_department_records",
		UpSQL: `CREATE TABLE IF NOT EXISTS department_records
				(
					department_record_id text NOT NULL PRIMARY KEY,
					department_record_created_at timestamp without time zone NOT NULL,
					department_record_source text NOT NULL,
					department_record_student_id text NOT NULL,
					department_record_student_name text NOT NULL,
					department_record_class text NOT NULL,
					department_record_score real NOT NULL,
					department_record_attendance_percent real NOT NULL,
					department_record_status text NOT NULL,
					department_record_recorded_at timestamp without time zone NOT NULL
				);
				CREATE INDEX IF NOT EXISTS department_records_source_index ON department_records(department_record_source);
				CREATE INDEX IF NOT EXISTS department_records_recorded_at_index ON department_records(department_record_recorded_at);`,
		DownSQL: `DROP INDEX department_records_source_index;
				  DROP INDEX department_records_recorded_at_index;
				  DROP TABLE department_records;`,
	},
}
