package notify

import (
	"fmt"

	"agent-dispatch/internal/models"
)

// Help pages for known failure causes. A rule without one renders the
// notification with no assistance link.
const (
	oomDocURL           = "https://frappecloud.com/docs/common-issues/oom-issues"
	rowSizeDocURL       = "https://frappecloud.com/docs/faq/site#row-size-too-large-error-on-migrate"
	dataTruncatedDocURL = "https://frappecloud.com/docs/faq/site#data-truncated-for-column"
	cantConnectDocURL   = "https://frappecloud.com/docs/cant-connect-to-mysql-server"
	gzipTarDocURL       = "https://frappecloud.com/docs/sites/migrate-an-existing-site#tar-gzip-command-fails-with-unexpected-eof"
	unknownCmdDocURL    = "https://frappecloud.com/docs/unknown-command-"
)

func defaultRules() []rule {
	return []rule{
		{[]string{"returned non-zero exit status 137"}, classifyOOM},
		{[]string{"returned non-zero exit status 143"}, classifyOOM},
		{[]string{"Row size too large"}, classifyRowSizeTooLarge},
		{[]string{"Data truncated for column"}, classifyDataTruncated},
		{[]string{"BrokenPipeError"}, classifyBrokenPipe},
		{[]string{"ERROR 2002 (HY000)"}, classifyCantConnectMySQL},
		{[]string{"gzip: stdin: unexpected end of file"}, classifyGzipTar},
		{[]string{"tar: Unexpected EOF in archive"}, classifyGzipTar},
		{[]string{"Unknown command '\\-'."}, classifyUnknownCommandHyphen},
	}
}

// classifyOOM reports an out-of-memory kill. Only owners of dedicated
// servers can add memory, so shared servers fall through.
func classifyOOM(d *Details, job models.Job, env Env) bool {
	d.Title = "Server out of memory error"
	d.Message = fmt.Sprintf(
		"The server ran out of memory while the %s job was running and the process was killed by the system. "+
			"It is recommended to increase the memory available for the server %s.",
		job.JobType, job.Server)
	d.AssistanceURL = oomDocURL
	return !env.OnPublicServer
}

func classifyRowSizeTooLarge(d *Details, job models.Job, env Env) bool {
	d.Title = "Row size too large error"
	d.Message = fmt.Sprintf(
		"The server encountered a row size too large error while migrating the site %s. "+
			"This tends to happen on tables with many custom fields.",
		job.Site)
	d.AssistanceURL = rowSizeDocURL
	return true
}

func classifyDataTruncated(d *Details, job models.Job, env Env) bool {
	d.Title = "Data truncated for column error"
	d.Message = fmt.Sprintf(
		"The server encountered a data truncated for column error while migrating the site %s. "+
			"This tends to happen when a field's datatype changes but existing rows don't fit the new type.",
		job.Site)
	d.AssistanceURL = dataTruncatedDocURL
	return true
}

// classifyBrokenPipe only applies when the job overlapped an agent update
// on the same server; any other broken pipe is an unknown failure.
func classifyBrokenPipe(d *Details, job models.Job, env Env) bool {
	if !env.DuringAgentUpdate {
		return false
	}
	d.Title = "Job failed due to maintenance activity on the server"
	d.Message = fmt.Sprintf(
		"The ongoing job coincided with a maintenance activity on the server %s and failed. "+
			"Please try again in a few minutes.",
		job.Server)
	return true
}

func classifyCantConnectMySQL(d *Details, job models.Job, env Env) bool {
	d.Title = "Can't connect to MySQL server"
	suggestion := "To rectify this issue, please follow the steps mentioned in Help."
	if env.OnPublicServer {
		suggestion = "Please raise a support ticket if the issue persists."
	}
	d.Message = "The server couldn't connect to the MySQL server during the job. " +
		"This usually means the database server restarted because it ran out of memory. " + suggestion
	d.AssistanceURL = cantConnectDocURL
	return true
}

func classifyGzipTar(d *Details, job models.Job, env Env) bool {
	d.Title = "Corrupt backup file"
	d.Message = fmt.Sprintf("An error occurred when extracting the backup for %s.", job.Site)
	d.AssistanceURL = gzipTarDocURL
	return true
}

func classifyUnknownCommandHyphen(d *Details, job models.Job, env Env) bool {
	d.Title = "Incompatible site backup"
	d.Message = fmt.Sprintf(
		"An error occurred when extracting the backup for %s. "+
			"This happens when the backup was taken on a later version of MariaDB and restored on an older one.",
		job.Site)
	d.AssistanceURL = unknownCmdDocURL
	return true
}
