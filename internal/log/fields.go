package log

// Canonical field names for structured logging.
const (
	FieldService   = "service"
	FieldComponent = "component"
	FieldRunID     = "run_id"
	FieldEvent     = "event"

	// Training fields
	FieldBatch       = "batch"
	FieldLoss        = "loss"
	FieldLossType    = "loss_type"
	FieldOptimizer   = "optimizer"
	FieldStepSize    = "step_size"
	FieldLossStart   = "loss_start"
	FieldTimeSteps   = "time_steps"
	FieldOutputs     = "outputs"
	FieldTrainable   = "trainable"
	FieldBatchPerSec = "batches_per_sec"
	FieldRunMS       = "run_ms"
)
