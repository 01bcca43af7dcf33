package appstax

type FileStatus int

const (
	FileNew FileStatus = iota
	FileSaving
	FileSaved
)

// File is a file-valued object property. A freshly created File carries
// local data to be uploaded with the next save; a File parsed from the
// wire carries the remote URL instead.
type File struct {
	Filename string
	MimeType string
	URL      string
	Data     []byte

	status FileStatus
}

func NewFile(filename string, mimeType string, data []byte) *File {
	return &File{
		Filename: filename,
		MimeType: mimeType,
		Data:     data,
		status:   FileNew,
	}
}

func savedFile(filename string, url string) *File {
	return &File{
		Filename: filename,
		URL:      url,
		status:   FileSaved,
	}
}

func (f *File) Status() FileStatus { return f.status }
