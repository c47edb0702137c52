package handler

var (
	ParseImagine = parseImagine
	ParseCommand = parseCommand
	Truncate     = truncate
)
