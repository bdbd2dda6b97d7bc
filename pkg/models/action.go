package models

// ActionType tags the Action union.
type ActionType string

const (
	ActionCreateTask    ActionType = "create_task"
	ActionUpdatePrice   ActionType = "update_price"
	ActionSendAlert     ActionType = "send_alert"
	ActionTagEntity     ActionType = "tag_entity"
	ActionWebhook       ActionType = "webhook"
	ActionApplyTemplate ActionType = "apply_template"
)

// ActionTypes lists every action kind. Executor sets are checked against it at startup.
func ActionTypes() []ActionType {
	return []ActionType{
		ActionCreateTask,
		ActionUpdatePrice,
		ActionSendAlert,
		ActionTagEntity,
		ActionWebhook,
		ActionApplyTemplate,
	}
}

// PriceStrategy says how an update_price action derives the new price.
type PriceStrategy string

const (
	PriceSet             PriceStrategy = "set"
	PriceIncreasePercent PriceStrategy = "increase_percent"
	PriceDecreasePercent PriceStrategy = "decrease_percent"
	PriceIncreaseAmount  PriceStrategy = "increase_amount"
	PriceDecreaseAmount  PriceStrategy = "decrease_amount"
)

// Action is a tagged union: exactly one of the kind-specific fields is set, matching Type.
type Action struct {
	Type          ActionType           `json:"type"                     yaml:"type"           validate:"required,oneof=create_task update_price send_alert tag_entity webhook apply_template"`
	CreateTask    *CreateTaskAction    `json:"create_task,omitempty"    yaml:"create_task"    validate:"required_if=Type create_task"`
	UpdatePrice   *UpdatePriceAction   `json:"update_price,omitempty"   yaml:"update_price"   validate:"required_if=Type update_price"`
	SendAlert     *SendAlertAction     `json:"send_alert,omitempty"     yaml:"send_alert"     validate:"required_if=Type send_alert"`
	TagEntity     *TagEntityAction     `json:"tag_entity,omitempty"     yaml:"tag_entity"     validate:"required_if=Type tag_entity"`
	Webhook       *WebhookAction       `json:"webhook,omitempty"        yaml:"webhook"        validate:"required_if=Type webhook"`
	ApplyTemplate *ApplyTemplateAction `json:"apply_template,omitempty" yaml:"apply_template" validate:"required_if=Type apply_template"`
}

type CreateTaskAction struct {
	TitleTemplate       string `json:"title_template"                 yaml:"title_template"       validate:"required"`
	DescriptionTemplate string `json:"description_template,omitempty" yaml:"description_template"`
	Priority            string `json:"priority,omitempty"             yaml:"priority"`
	Assignee            string `json:"assignee,omitempty"             yaml:"assignee"`
}

type UpdatePriceAction struct {
	Strategy           PriceStrategy `json:"strategy"                     yaml:"strategy"             validate:"required,oneof=set increase_percent decrease_percent increase_amount decrease_amount"`
	Value              float64       `json:"value"                        yaml:"value"                validate:"gte=0"`
	RespectMarginFloor bool          `json:"respect_margin_floor"         yaml:"respect_margin_floor"`
	MinMarginPercent   float64       `json:"min_margin_percent,omitempty" yaml:"min_margin_percent"   validate:"gte=0,lt=100"`
}

type SendAlertAction struct {
	Channel         string `json:"channel"          yaml:"channel"          validate:"required"`
	Severity        string `json:"severity"         yaml:"severity"         validate:"omitempty,oneof=info warning critical"`
	MessageTemplate string `json:"message_template" yaml:"message_template" validate:"required"`
}

type TagEntityAction struct {
	Tags   []string `json:"tags"             yaml:"tags"   validate:"required,min=1"`
	Remove bool     `json:"remove,omitempty" yaml:"remove"`
}

type WebhookAction struct {
	URL          string            `json:"url"                     yaml:"url"           validate:"required,url"`
	Method       string            `json:"method,omitempty"        yaml:"method"        validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	Headers      map[string]string `json:"headers,omitempty"       yaml:"headers"`
	BodyTemplate string            `json:"body_template,omitempty" yaml:"body_template"`
}

type ApplyTemplateAction struct {
	TemplateID string         `json:"template_id"         yaml:"template_id" validate:"required"`
	Overrides  map[string]any `json:"overrides,omitempty" yaml:"overrides"`
}

// ActionResult is what an executor reports for one action on one entity.
type ActionResult struct {
	Success      bool           `json:"success"`
	ResultData   map[string]any `json:"result_data,omitempty"`
	RollbackData map[string]any `json:"rollback_data,omitempty"`
}
