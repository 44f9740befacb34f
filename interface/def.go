package iface

import (
	"time"

	"RayRelay/raycast"
)

// UnknownName is the name a Face carries until the recognizer names it.
const UnknownName = "Unknown"

// Frame references one uploaded photo and the camera matrices captured with it.
type Frame struct {
	ID           string
	PhotoPath    string
	MatricesPath string
	ReceivedAt   time.Time
}

// Face is a cropped face, the ray towards it and who it is.
type Face struct {
	ID       string
	CropPath string
	Ray      raycast.Raycast
	Name     string
}

func (f *Face) String() string {
	return "ray:" + f.Ray.String() + "|name:" + f.Name
}
