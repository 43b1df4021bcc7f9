package model

// Clone returns a deep copy of the execution.
func (e Execution) Clone() Execution {
	out := e
	if e.StartTime != nil {
		t := *e.StartTime
		out.StartTime = &t
	}
	if e.EndTime != nil {
		t := *e.EndTime
		out.EndTime = &t
	}
	return out
}

// Clone returns a deep copy of the shard, executions included.
func (s *Shard) Clone() *Shard {
	if s == nil {
		return nil
	}
	out := *s
	out.Executions = make([]Execution, len(s.Executions))
	for i := range s.Executions {
		out.Executions[i] = s.Executions[i].Clone()
	}
	return &out
}

// Clone returns a deep copy of the job, shards included.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Tags = append([]string(nil), j.Tags...)
	out.Shards = make([]Shard, len(j.Shards))
	for i := range j.Shards {
		out.Shards[i] = *j.Shards[i].Clone()
	}
	return &out
}
