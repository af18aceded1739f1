package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[ReplayDeadLetterMessage]  = (*ReplayDeadLetterCommand)(nil)
	_ gocmd.Commander[RedriveDeadLetterMessage] = (*RedriveDeadLetterCommand)(nil)
	_ gocmd.Commander[SubmitBackfillMessage]    = (*SubmitBackfillCommand)(nil)
	_ gocmd.Commander[RunBackfillMessage]       = (*RunBackfillCommand)(nil)
	_ gocmd.Commander[ResumeBackfillMessage]    = (*ResumeBackfillCommand)(nil)
)
