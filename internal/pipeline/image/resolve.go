package image

import (
	"context"

	"github.com/UniQw/botqueue"
)

// source is where the bytes of an image come from: inline data or a URL.
type source struct {
	data []byte
	url  string
}

// resolve turns the payload's image reference into a source, asking the sink
// for a download URL when only a file id is known.
func resolve(ctx context.Context, sink botqueue.Sink, in *botqueue.ImagePayload) (source, error) {
	fileID := ""
	if ref := in.Image; ref != nil {
		switch {
		case len(ref.Data) > 0:
			return source{data: ref.Data}, nil
		case ref.URL != "":
			return source{url: ref.URL}, nil
		}
		fileID = ref.FileID
	} else {
		fileID = in.Largest().FileID
	}
	if fileID == "" {
		return source{}, botqueue.Errorf(botqueue.KindValidation, "resolve image", "no image reference")
	}
	f, err := sink.GetFile(ctx, fileID)
	if err != nil {
		if ctx.Err() != nil {
			return source{}, ctx.Err()
		}
		return source{}, botqueue.NewError(botqueue.KindDownload, "resolve image", err)
	}
	if f == nil || f.URL == "" {
		return source{}, botqueue.Errorf(botqueue.KindDownload, "resolve image", "no download url for file %s", fileID)
	}
	return source{url: f.URL}, nil
}
