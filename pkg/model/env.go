package model

// Environment variables set in every slot.
const (
	EnvAppID           = "JOBCOORD_APP_ID"
	EnvSlotID          = "JOBCOORD_SLOT_ID"
	EnvWorkDir         = "JOBCOORD_WORK_DIR"
	EnvCredentialsFile = "JOBCOORD_CREDENTIALS_FILE"

	// Task slots only.
	EnvTaskIndex   = "JOBCOORD_TASK_INDEX"
	EnvTaskAttempt = "JOBCOORD_TASK_ATTEMPT"

	// Coordinator slot only.
	EnvBrokerURL   = "JOBCOORD_BROKER_URL"
	EnvBrokerToken = "JOBCOORD_BROKER_TOKEN"
)

// CredentialsFileName is the name of the auth blob in a slot work directory.
const CredentialsFileName = ".credentials"
