package dto

type CreateJobRequest struct {
	Type  string            `json:"type" binding:"required"`
	Owner string            `json:"owner"`
	Args  map[string]string `json:"args"`
}

type JobActionRequest struct {
	Message string `json:"message"`
}

type ListJobsRequest struct {
	Owner    string `form:"owner"`
	Society  string `form:"society"`
	State    string `form:"state"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID        int64             `json:"job_id"`
	Owner        string            `json:"owner,omitempty"`
	State        string            `json:"state"`
	StateMessage string            `json:"state_message,omitempty"`
	CreatedAt    string            `json:"created_at"`
	Type         string            `json:"type"`
	Args         map[string]string `json:"args"`
	Environment  string            `json:"environment,omitempty"`
}

type JobLogEntryDTO struct {
	LogID   int64  `json:"log_id"`
	Time    string `json:"time,omitempty"`
	Type    string `json:"type,omitempty"`
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
	Raw     string `json:"raw,omitempty"`
}

type JobDetailResponse struct {
	Job JobDTO           `json:"job"`
	Log []JobLogEntryDTO `json:"log"`
}

type MemberDTO struct {
	Username      string `json:"username"`
	PreferredName string `json:"preferred_name,omitempty"`
	Surname       string `json:"surname,omitempty"`
	Email         string `json:"email,omitempty"`
	Member        bool   `json:"member"`
	User          bool   `json:"user"`
	Joined        string `json:"joined,omitempty"`
}

type SocietyDTO struct {
	Society     string   `json:"society"`
	Description string   `json:"description"`
	RoleEmail   string   `json:"role_email,omitempty"`
	Admins      []string `json:"admins"`
	Joined      string   `json:"joined,omitempty"`
}
