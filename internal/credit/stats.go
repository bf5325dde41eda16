package credit

// Stats 聚合了信用记录的状态分布，常用于仪表盘或健康检查。
type Stats struct {
	Total           int     `json:"total"`
	Created         int     `json:"created"`
	Submitted       int     `json:"credit_submitted"`
	Credited        int     `json:"credited"`
	Failed          int     `json:"failed"`
	CreditedUSD     float64 `json:"credited_usd"`
	OldestUpdatedAt int64   `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64   `json:"newest_updated_at,omitempty"`
}

func (s *Stats) add(record *Record) {
	s.Total++
	switch record.Status {
	case StatusCreated:
		s.Created++
	case StatusCreditSubmitted:
		s.Submitted++
	case StatusCredited:
		s.Credited++
		s.CreditedUSD += record.AmountUSD
	case StatusFailed:
		s.Failed++
	}
	if record.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = record.UpdatedAt
	}
	if s.OldestUpdatedAt == 0 || (record.UpdatedAt != 0 && record.UpdatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = record.UpdatedAt
	}
}
